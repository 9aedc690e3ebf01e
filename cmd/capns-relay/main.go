// Command capns-relay runs one side of the §4.K relay fabric: either a
// slave process that fronts a set of local plugin binaries for an upstream
// master, or a master process that fans an engine connection out across a
// set of slaves.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/filegrind/capns-go/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "slave":
		err = runSlave(os.Args[2:])
	case "master":
		err = runMaster(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "capns-relay: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  capns-relay slave --master host:port --plugin path[,path...]
  capns-relay master --listen host:port --slaves N`)
}

// runSlave connects to a master and runs a PluginHost over the connection,
// spawning the given plugin binaries on demand as their caps are requested.
func runSlave(args []string) error {
	masterAddr, pluginPaths, err := parseSlaveArgs(args)
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", masterAddr)
	if err != nil {
		return fmt.Errorf("dial master %s: %w", masterAddr, err)
	}
	defer conn.Close()

	host := transport.NewPluginHost()
	for _, path := range pluginPaths {
		host.RegisterPlugin(path, nil)
	}

	resourceFn := func() []byte { return nil }
	return host.Run(conn, conn, resourceFn)
}

func parseSlaveArgs(args []string) (masterAddr string, pluginPaths []string, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--master":
			i++
			if i >= len(args) {
				return "", nil, fmt.Errorf("--master requires an address")
			}
			masterAddr = args[i]
		case "--plugin":
			i++
			if i >= len(args) {
				return "", nil, fmt.Errorf("--plugin requires a comma-separated path list")
			}
			pluginPaths = append(pluginPaths, strings.Split(args[i], ",")...)
		default:
			return "", nil, fmt.Errorf("unrecognized flag %q", args[i])
		}
	}
	if masterAddr == "" {
		return "", nil, fmt.Errorf("--master is required")
	}
	if len(pluginPaths) == 0 {
		return "", nil, fmt.Errorf("at least one --plugin is required")
	}
	return masterAddr, pluginPaths, nil
}

// runMaster listens for slaveCount slave connections, builds a RelaySwitch
// over them, then accepts engine connections and forwards REQ/response
// traffic between the engine and whichever slave advertises the cap.
func runMaster(args []string) error {
	listenAddr, slaveCount, err := parseMasterArgs(args)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	defer ln.Close()

	var sockets []transport.SocketPair
	for i := 0; i < slaveCount; i++ {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept slave %d: %w", i, err)
		}
		sockets = append(sockets, transport.SocketPair{Read: conn, Write: conn})
	}

	sw, err := transport.NewRelaySwitch(sockets)
	if err != nil {
		return fmt.Errorf("build relay switch: %w", err)
	}
	fmt.Fprintf(os.Stderr, "capns-relay: %d slaves attached, capabilities: %s\n", slaveCount, sw.Capabilities())

	engineConn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept engine: %w", err)
	}
	defer engineConn.Close()

	return serveEngine(sw, engineConn)
}

func parseMasterArgs(args []string) (listenAddr string, slaveCount int, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--listen":
			i++
			if i >= len(args) {
				return "", 0, fmt.Errorf("--listen requires an address")
			}
			listenAddr = args[i]
		case "--slaves":
			i++
			if i >= len(args) {
				return "", 0, fmt.Errorf("--slaves requires a count")
			}
			if _, err := fmt.Sscanf(args[i], "%d", &slaveCount); err != nil {
				return "", 0, fmt.Errorf("invalid --slaves count %q: %w", args[i], err)
			}
		default:
			return "", 0, fmt.Errorf("unrecognized flag %q", args[i])
		}
	}
	if listenAddr == "" {
		return "", 0, fmt.Errorf("--listen is required")
	}
	if slaveCount < 1 {
		return "", 0, fmt.Errorf("--slaves must be at least 1")
	}
	return listenAddr, slaveCount, nil
}

// serveEngine relays frames between one engine connection and the slaves
// behind sw: engine REQ/stream frames go out via SendToMaster, and every
// frame a slave produces is written straight back to the engine.
func serveEngine(sw *transport.RelaySwitch, engineConn net.Conn) error {
	engineReader := transport.NewFrameReader(engineConn)
	engineWriter := transport.NewFrameWriter(engineConn)
	engineReader.SetLimits(sw.Limits())
	engineWriter.SetLimits(sw.Limits())

	errCh := make(chan error, 2)

	go func() {
		for {
			frame, err := sw.ReadFromMasters()
			if err != nil {
				errCh <- err
				return
			}
			if err := engineWriter.WriteFrame(frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			frame, err := engineReader.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			if err := sw.SendToMaster(frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	return <-errCh
}
