package rpcmesh

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/wiremesh/internal/idgen"
	"github.com/relaymesh/wiremesh/schema"
	"github.com/relaymesh/wiremesh/transport"
)

// HostOptions configures the responder side of a handshake.
type HostOptions struct {
	// ExpectedOrigin, when set, is compared (after normalisation) against
	// the origin the incoming HANDSHAKE_REQUEST carried. A mismatch drops
	// the message silently; no reply is sent (spec.md §4.C, §5 "Iframe
	// security").
	ExpectedOrigin string

	// Logger overrides the package default logrus.Logger.
	Logger *logrus.Logger
}

// GuestOptions configures the initiator side of a handshake.
type GuestOptions struct {
	// OnConnectionSetup runs after the remote proxy is ready and before
	// the final handshake echo, letting the guest preload state over RPC
	// within the handshake itself (spec.md §6). A returned error aborts
	// the connection attempt.
	OnConnectionSetup func(remote *Remote) error

	Logger *logrus.Logger
}

// Host performs the responder side of the handshake over guestEndpoint: it
// waits for exactly one HANDSHAKE_REQUEST, validates it, registers both
// sides' methods, and blocks until the guest's final readiness echo
// arrives or ctx is done (spec.md §4.C "Handshake").
func Host(ctx context.Context, guestEndpoint transport.Endpoint, localSchema schema.Tree, opts HostOptions) (*Connection, error) {
	log := loggerOrDefault(opts.Logger)
	directory, methods := schema.DecomposeWithMethods(localSchema)
	residualJSON, err := json.Marshal(localSchema)
	if err != nil {
		return nil, errors.Wrap(err, "marshal host residual schema")
	}

	type requestArrival struct {
		env    envelope
		origin string
	}
	requests := make(chan requestArrival, 1)
	unsubRequest := guestEndpoint.On(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok || env.Tag != HandshakeRequest {
			return
		}
		if opts.ExpectedOrigin != "" && !transport.OriginsMatch(opts.ExpectedOrigin, origin) {
			log.WithFields(logrus.Fields{"expected": opts.ExpectedOrigin, "got": origin}).
				Debug("dropping handshake request from unexpected origin")
			return
		}
		select {
		case requests <- requestArrival{env: env, origin: origin}:
		default:
			// A Host() call only ever admits the first request it sees;
			// this connection attempt is already underway.
		}
	})
	defer unsubRequest()

	var arrival requestArrival
	select {
	case arrival = <-requests:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	req := arrival.env

	var guestResidual schema.Tree
	if len(req.Schema) > 0 {
		if err := json.Unmarshal(req.Schema, &guestResidual); err != nil {
			return nil, errors.Wrap(err, "unmarshal guest residual schema")
		}
	} else {
		guestResidual = schema.Tree{}
	}

	conn := newConnection(req.CID, guestEndpoint, log)
	conn.Remote = materializeRemote(conn, req.MethodNames, guestResidual)
	if err := conn.bindLocalMethods(methods); err != nil {
		return nil, err
	}
	conn.serveRequests()
	conn.serveResponses()

	ready := make(chan struct{})
	unsubEcho := guestEndpoint.On(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok || env.Tag != HandshakeReply || env.CID != conn.CID {
			return
		}
		select {
		case <-ready:
		default:
			close(ready)
		}
	})
	conn.unsubMu.Lock()
	conn.unsubs = append(conn.unsubs, unsubEcho)
	conn.unsubMu.Unlock()

	reply := envelope{Tag: HandshakeReply, CID: conn.CID, MethodNames: directory, Schema: residualJSON}
	if err := conn.send(reply, nil); err != nil {
		return nil, err
	}

	select {
	case <-ready:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Guest performs the initiator side of the handshake over hostEndpoint: it
// generates a fresh cid, sends HANDSHAKE_REQUEST, awaits the host's reply,
// then mirrors registration and echoes readiness (spec.md §4.C "Handshake").
func Guest(ctx context.Context, hostEndpoint transport.Endpoint, localSchema schema.Tree, opts GuestOptions) (*Connection, error) {
	log := loggerOrDefault(opts.Logger)
	cid := idgen.Default()
	directory, methods := schema.DecomposeWithMethods(localSchema)
	residualJSON, err := json.Marshal(localSchema)
	if err != nil {
		return nil, errors.Wrap(err, "marshal guest residual schema")
	}

	replies := make(chan envelope, 1)
	unsubReply := hostEndpoint.On(func(data []byte, origin string, transfer [][]byte) {
		env, ok := unmarshalEnvelope(data)
		if !ok || env.Tag != HandshakeReply || env.CID != cid {
			return
		}
		select {
		case replies <- env:
		default:
		}
	})
	defer unsubReply()

	req := envelope{Tag: HandshakeRequest, CID: cid, MethodNames: directory, Schema: residualJSON}
	conn := newConnection(cid, hostEndpoint, log)
	if err := conn.send(req, nil); err != nil {
		return nil, err
	}

	var reply envelope
	select {
	case reply = <-replies:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var hostResidual schema.Tree
	if len(reply.Schema) > 0 {
		if err := json.Unmarshal(reply.Schema, &hostResidual); err != nil {
			return nil, errors.Wrap(err, "unmarshal host residual schema")
		}
	} else {
		hostResidual = schema.Tree{}
	}

	conn.Remote = materializeRemote(conn, reply.MethodNames, hostResidual)
	if err := conn.bindLocalMethods(methods); err != nil {
		return nil, err
	}
	conn.serveRequests()
	conn.serveResponses()

	if opts.OnConnectionSetup != nil {
		if err := opts.OnConnectionSetup(conn.Remote); err != nil {
			return nil, errors.Wrap(err, "guest connection setup")
		}
	}

	echo := envelope{Tag: HandshakeReply, CID: cid, MethodNames: directory, Schema: residualJSON}
	if err := conn.send(echo, nil); err != nil {
		return nil, err
	}
	return conn, nil
}

func loggerOrDefault(l *logrus.Logger) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrus.NewEntry(l)
}
