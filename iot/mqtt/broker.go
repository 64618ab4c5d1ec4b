// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/iot/authorization"
	"github.com/relabs-tech/fleetstore/iot/telemetry"
)

// DefaultAddress is the listen address of the broker if none is configured
const DefaultAddress = ":8883"

// Broker is a MQTT broker for the device fleet.
type Broker struct {
	p        *plugin
	listener net.Listener
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Evaluator derives the capabilities of connecting devices. This is mandatory.
	Evaluator *authorization.Evaluator
	// Ingestor stores published telemetry. This is mandatory.
	Ingestor *telemetry.Ingestor
	// Address is the listen address. The default is DefaultAddress
	Address string
	// CACertFile is the file path to the X.509 certificate of the device certificate authority.
	// If CACertFile, CertFile and KeyFile are set, devices must present a client certificate and
	// are identified by its common name. Otherwise the broker listens on plain TCP and devices
	// are identified by their client id.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file of the broker.
	CertFile string
	// KeyFile is the file path to the X.509 private key file of the broker.
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	evaluator *authorization.Evaluator
	ingestor  *telemetry.Ingestor

	mu sync.RWMutex
	// certificate identities of accepted connections which have not connected yet
	certIdentities map[net.Conn]string
	// capabilities of connected clients by connection
	capabilities map[net.Conn]*authorization.Capabilities
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Evaluator == nil {
		panic("evaluator missing")
	}
	if bb.Ingestor == nil {
		panic("ingestor missing")
	}
	address := bb.Address
	if address == "" {
		address = DefaultAddress
	}

	var listener net.Listener
	var err error
	if bb.CertFile != "" || bb.KeyFile != "" || bb.CACertFile != "" {
		var tlsConfig *tls.Config
		tlsConfig, err = serverTLSConfig(bb.CertFile, bb.KeyFile, bb.CACertFile)
		if err != nil {
			panic(err)
		}
		listener, err = tls.Listen("tcp", address, tlsConfig)
	} else {
		logger.Default().Warnln("mqtt: no certificates configured, devices are identified by client id")
		listener, err = net.Listen("tcp", address)
	}
	if err != nil {
		panic(err)
	}

	return &Broker{
		p:        newPlugin(bb.Evaluator, bb.Ingestor),
		listener: listener,
	}
}

func serverTLSConfig(certFile, keyFile, caCertFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" || caCertFile == "" {
		return nil, errors.New("mqtt: cert file, key file and ca-cert file are required for TLS")
	}
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: cannot load key pair: %w", err)
	}
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: cannot read ca-cert: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("mqtt: no certificates in %s", caCertFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func newPlugin(evaluator *authorization.Evaluator, ingestor *telemetry.Ingestor) *plugin {
	return &plugin{
		evaluator:      evaluator,
		ingestor:       ingestor,
		certIdentities: make(map[net.Conn]string),
		capabilities:   make(map[net.Conn]*authorization.Capabilities),
	}
}

// Addr returns the listen address of the broker
func (b *Broker) Addr() net.Addr {
	return b.listener.Addr()
}

// Run runs the server until ctx is done, then shuts it down gracefully.
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.listener),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt: broker listening on", b.listener.Addr())
	<-ctx.Done()
	err := s.Stop(context.Background())
	logger.Default().Infoln("mqtt: broker stopped")
	return err
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "fleet broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// OnAcceptWrapper records the certificate common name of TLS connections
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				logger.FromContext(ctx).Debugln("mqtt: handshake failed:", err)
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			p.accept(conn, state.VerifiedChains[0][0].Subject.CommonName)
		}
		if !accept(ctx, conn) {
			p.forget(conn)
			return false
		}
		return true
	}
}

func (p *plugin) accept(conn net.Conn, commonName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.certIdentities[conn] = commonName
}

// OnConnectWrapper evaluates the capabilities of the connecting device
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		if !p.authorizeConnect(ctx, client.Connection(), client.OptionsReader().ClientID()) {
			return packets.CodeNotAuthorized
		}
		return connect(ctx, client)
	}
}

// authorizeConnect evaluates the capabilities of a new connection. Capabilities are evaluated
// on every connect and belong to the connection. If the identity lost its binding, earlier
// connections of the same identity lose their capabilities as well.
func (p *plugin) authorizeConnect(ctx context.Context, conn net.Conn, clientID string) bool {
	p.mu.Lock()
	identity, viaCertificate := p.certIdentities[conn]
	delete(p.certIdentities, conn)
	p.mu.Unlock()
	if !viaCertificate {
		identity = clientID
	}

	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, identity)
	caps, err := p.evaluator.CapabilitiesFor(ctx, identity)
	if err != nil {
		if errors.Is(err, core.ErrUnknownIdentity) {
			rlog.Infoln("mqtt: connect denied,", err)
			p.revoke(identity)
		} else {
			rlog.WithError(err).Errorln("mqtt: cannot evaluate capabilities")
		}
		return false
	}
	if !caps.CanConnect(clientID) {
		rlog.Infoln("mqtt: connect denied, client id", clientID, "does not match identity")
		return false
	}

	p.mu.Lock()
	p.capabilities[conn] = caps
	p.mu.Unlock()
	rlog.Debugln("mqtt: connect", clientID)
	return true
}

func (p *plugin) capabilitiesOf(conn net.Conn) *authorization.Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capabilities[conn]
}

// forget drops everything known about conn
func (p *plugin) forget(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.certIdentities, conn)
	delete(p.capabilities, conn)
}

// revoke drops the capabilities of all connections of identity
func (p *plugin) revoke(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn, caps := range p.capabilities {
		if caps.Identity == identity {
			delete(p.capabilities, conn)
		}
	}
}

// OnCloseWrapper forgets closed connections, including those which never sent CONNECT
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.forget(client.Connection())
		closed(ctx, client, err)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !p.authorizeSubscribe(client.Connection(), topic.Name) {
			logger.FromContext(ctx).Infoln("mqtt: subscribe", client.OptionsReader().ClientID(), topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

func (p *plugin) authorizeSubscribe(conn net.Conn, filter string) bool {
	return p.capabilitiesOf(conn).CanSubscribe(filter)
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.FromContext(ctx).Debugln("mqtt: subscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper drops messages outside the device namespace and ingests telemetry
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !p.handleMessage(ctx, client.Connection(), msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// handleMessage returns false if the message must be dropped
func (p *plugin) handleMessage(ctx context.Context, conn net.Conn, topic string, payload []byte) bool {
	caps := p.capabilitiesOf(conn)
	if caps == nil {
		return false
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, caps.Identity)
	if !caps.CanPublish(topic) {
		rlog.Infoln("mqtt: publish to", topic, "denied")
		return false
	}
	metricType, ok := parseTelemetryTopic(p.evaluator.Namespace(caps.Identity), topic)
	if !ok {
		return true
	}
	sample, err := decodeSample(caps.Identity, metricType, payload)
	if err != nil {
		rlog.Infoln("mqtt: invalid telemetry on", topic+":", err)
		return false
	}
	if _, err := p.ingestor.Ingest(ctx, sample); err != nil {
		rlog.WithError(err).Errorln("mqtt: cannot ingest telemetry from", topic)
		return false
	}
	return true
}
