// Macaw is the operator CLI for the control plane.
//
// Usage:
//
//	# List pending attestations
//	macaw attestations list --status PENDING
//
//	# Approve or deny an attestation
//	macaw attestations approve att_12345678 --as alice --reason "reviewed"
//	macaw attestations deny att_12345678 --as alice --reason "too risky"
//
//	# List registered agents
//	macaw agents list
//
//	# Provision an identity provider
//	macaw idp keycloak bootstrap --base-url http://localhost:8081 --admin admin --password secret
//	macaw idp auth0 bootstrap --domain dev-xyz.us.auth0.com --token <mgmt-token>
//
//	# Log in and store the token
//	macaw login --username alice
package main

func main() {
	Execute()
}
