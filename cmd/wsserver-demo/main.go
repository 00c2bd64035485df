// Command wsserver-demo runs a standalone WebSocket server: it echoes
// every Text/Binary message back to its sender and logs connection
// lifecycle events as newline-delimited JSON.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	wsserver "wsserver"
	"wsserver/internal/audit"
	"wsserver/internal/eventlog"
	"wsserver/internal/shutdown"
	"wsserver/internal/wslog"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	maxConns := flag.Int("max-conns", wsserver.DefaultMaxConnections, "maximum concurrent connections")
	auditPath := flag.String("audit-db", "", "path to a SQLite database recording closed connections (disabled if empty)")
	heapSoft := flag.Uint64("heap-soft-limit", 0, "force a GC pass once heap usage exceeds this many bytes (0 keeps the 128 MiB default)")
	heapHard := flag.Uint64("heap-hard-limit", 0, "panic once heap usage exceeds this many bytes (0 keeps the 512 MiB default)")
	flag.Parse()

	cfg := wsserver.DefaultConfig()
	cfg.ListenAddr = *addr
	cfg.MaxConnections = *maxConns
	if *heapSoft > 0 {
		cfg.HeapSoftLimitBytes = *heapSoft
	}
	if *heapHard > 0 {
		cfg.HeapHardLimitBytes = *heapHard
	}

	srv, err := wsserver.NewServer(cfg)
	if err != nil {
		wslog.DropError("server init", err)
		os.Exit(1)
	}

	elog := eventlog.New(os.Stdout)

	var trail *audit.Trail
	if *auditPath != "" {
		trail, err = audit.Open(*auditPath)
		if err != nil {
			wslog.DropError("audit db open", err)
			os.Exit(1)
		}
		defer trail.Close()
	}

	srv.SetOpenCallback(func(id wsserver.ID) {
		_ = elog.Write(eventlog.Event{Kind: eventlog.KindOpen, ConnectionID: uint64(id), PeerAddr: srv.PeerAddr(id)})
	})
	srv.SetMessageCallback(func(id wsserver.ID, msg wsserver.Message) {
		opcode := wsserver.OpText
		if msg.Type == wsserver.MessageBinary {
			opcode = wsserver.OpBinary
		}
		srv.QueueFrame(id, wsserver.Frame{Fin: true, OpCode: opcode, Payload: msg.Payload})
	})
	srv.SetCloseCallback(func(id wsserver.ID) {
		peer := srv.PeerAddr(id)
		_ = elog.Write(eventlog.Event{Kind: eventlog.KindClose, ConnectionID: uint64(id), PeerAddr: peer})
		if trail != nil {
			if err := trail.RecordClose(uint64(id), peer); err != nil {
				wslog.DropError("audit record", err)
			}
		}
	})

	setupSignalHandling(srv)

	wslog.DropMessage("listen", *addr)
	os.Exit(runLoop(srv, cfg))
}

// runLoop drives the reactor exactly as Server.Loop does, but also
// checks the heap guardrail once per iteration; Server.Loop itself
// never touches the garbage collector.
func runLoop(srv *wsserver.Server, cfg wsserver.Config) int {
	for {
		if shutdown.Requested() {
			return 0
		}
		r := srv.LoopOnce()
		wsserver.CheckHeapGuardrail(cfg)
		if r.Type == wsserver.ResultExit {
			return r.ExitStatus
		}
	}
}

// setupSignalHandling requests a graceful stop on SIGINT/SIGTERM. The
// event loop notices the request at the top of its next iteration.
func setupSignalHandling(srv *wsserver.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		wslog.DropMessage("signal", "received interrupt, shutting down")
		srv.Shutdown()
	}()
}
