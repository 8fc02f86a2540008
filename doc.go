// Package rseata exposes the Go APIs behind a two-phase-commit transaction
// coordinator. Transaction managers begin, commit and roll back global
// transactions over HTTP; resource managers register branches, hold row
// locks through the coordinator and receive phase two instructions on a
// long-lived stream. The server runs cleanly as PID 1 and can also be
// embedded.
//
// # Running a server
//
//	cfg := rseata.Config{
//	    Listen:  ":8091",
//	    Archive: "disk:///var/lib/rseata",
//	}
//	srv, err := rseata.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("rseata: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Live global sessions and row locks are kept in memory. Sessions that reach
// a terminal status are written to the archive (mem://, disk://, s3://,
// aws:// or azure://) so GET /v1/global/{xid} keeps answering after the
// session is gone.
//
// # Shutdown
//
// Shutdown marks the server as draining, which fails /readyz, rejects new
// resource registrations and adds a Shutdown-Imminent header to responses.
// After Config.DrainGrace the instruction streams are closed and the HTTP
// server stops.
//
// # Clients
//
// The Go client (pkt.systems/rseata/client) wraps the HTTP API. Package tm
// drives a global transaction around a callback, and packages rm/at and
// rm/xa implement the AT and XA resource managers on top of database/sql.
//
//	cli, _ := client.New("http://127.0.0.1:8091")
//	err := tm.Run(ctx, cli, tm.Options{Name: "transfer"}, func(ctx context.Context, txc *rm.TxContext) error {
//	    tx, err := db.BeginTx(ctx, txc, nil)
//	    if err != nil { return err }
//	    if _, err := tx.ExecContext(ctx, "UPDATE account SET balance = balance - 10 WHERE id = ?", 1); err != nil {
//	        _ = tx.Rollback(ctx)
//	        return err
//	    }
//	    return tx.Commit(ctx)
//	})
//
// # Testing
//
// StartTestServer starts a coordinator on a loopback port and stops it on
// test cleanup.
//
//	ts := rseata.StartTestServer(t)
//	resp, err := ts.Client.Begin(ctx, api.BeginRequest{TransactionName: "demo"})
package rseata
