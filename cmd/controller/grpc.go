package main

import (
	"fmt"
	"net"
	"net/url"

	"github.com/srand/slicer/pkg/log"
	"github.com/srand/slicer/pkg/messaging"
	"google.golang.org/grpc"
)

// Sets up a gRPC server on a specific listening address and starts it.
func serveGrpc(server *messaging.Server, address string) {
	// Parse URI
	uri, err := url.Parse(address)
	if err != nil {
		log.Fatal(err)
	}

	host := uri.Host

	switch uri.Scheme {
	case "tcp", "tcp4", "tcp6":
		if uri.Port() == "" {
			// Default port is 9090
			host = fmt.Sprintf("%s:9090", uri.Host)
		}
	case "unix":
		host = uri.Path
	default:
		log.Fatalf("Unsupported protocol: %s", uri.Scheme)
	}

	socket, err := net.Listen(uri.Scheme, host)
	if err != nil {
		log.Fatal(err)
	}

	if uri.Scheme == "unix" {
		// Set permissions on unix socket
		socket.(*net.UnixListener).SetUnlinkOnClose(true)

		log.Info("Listening on", uri.Scheme, uri.Path)
	} else {
		log.Info("Listening on", uri.Scheme, socket.Addr())
	}

	g := grpc.NewServer(config.Grpc.ToServerOptions()...)
	server.Register(g)
	if err := g.Serve(socket); err != nil {
		log.Fatal(err)
	}
}
