// Package nodes contains the node scripts the daemon can run and the registry
// that names them. Each script reads its credentials from the node
// environment, submits one remote task on its first invocation and polls it
// on every following one through a provider.Client.
package nodes
