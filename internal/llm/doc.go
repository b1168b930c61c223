// Package llm defines the provider-neutral request and response shapes used
// by nodes that ask a large language model a single question. Adapters for
// concrete APIs live in sub-packages.
package llm
