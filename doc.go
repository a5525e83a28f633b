// Package psremoting implements the PowerShell Remoting Protocol data and
// state layer in pure Go: the wire codec, fragmentation, the session,
// runspace-pool and pipeline state machines, and robust-connection retry.
//
// # Architecture
//
// The library is organized into layers:
//
//   - Client: high-level facade tying a session, pools and pipelines together
//   - session: session state machine, negotiation, key exchange, retry
//   - runspace: runspace pool state machine and pool operations
//   - pipeline: pipeline state machine and the buffered record streams
//   - messages: envelope codec and typed message bodies
//   - fragments: fragmentation and strict-order reassembly
//   - serialization: CLIXML encoding, secure strings, version handling
//   - transport: connection abstraction, stdio framing, in-memory pair
//   - host: routing for remote host callbacks
//   - config: YAML client configuration
//
// # Basic Usage
//
//	client := psremoting.NewClient(psremoting.ProcessDialer(cfg.Transport))
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	pool, err := client.CreateRunspacePool(ctx, runspace.Options{})
//	if err != nil {
//	    return err
//	}
//	defer client.ClosePool(ctx, pool)
//
//	output, errRecs, err := client.Run(ctx, pool, "Get-Process")
//
// # Transports
//
// Any transport.Dialer works: ProcessDialer spawns a server in stdio mode,
// transport.Pair wires a client against an in-process server, and custom
// dialers can wrap sockets or SSH channels.
//
// # Reference
//
// Protocol specification: https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package psremoting

// Version is the library version.
const Version = "0.1.0-dev"
