// Package client is the Go SDK for the rseata transaction coordinator.
//
// A Client speaks the coordinator's JSON-over-HTTP API. Transaction managers
// use Begin, Commit, Rollback, Status and Report; resource managers use
// BranchRegister, BranchReport and LockQuery, and keep an InstructionStream
// open to receive phase two commit and rollback instructions.
//
//	cli, err := client.New("http://127.0.0.1:8091")
//	if err != nil {
//		return err
//	}
//	begin, err := cli.Begin(ctx, api.BeginRequest{TransactionName: "checkout"})
//	if err != nil {
//		return err
//	}
//	status, err := cli.Commit(ctx, begin.Xid)
//
// Errors returned by the coordinator are *APIError values carrying the HTTP
// status and the decoded api.ErrorResponse envelope.
package client
