// Package main is the entry point for the modelproxy gateway.
//
// Usage:
//
//	# Serve with modelproxy.yaml settings and config.toml backends
//	modelproxy
//
//	# Use another backend catalog
//	modelproxy serve --config /etc/modelproxy/backends.toml
//
//	# Validate the backend catalog
//	modelproxy check
//
//	# Run one discovery round and print every routable model id
//	modelproxy models
package main

func main() {
	Execute()
}
