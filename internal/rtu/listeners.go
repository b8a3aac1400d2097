package rtu

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscope/scadasim/pkg/model"
)

// FieldListener is the simplified Modbus / IEC-104 surface: a line-based
// register protocol over TCP. It classifies every client against the allow
// list, reports each connection on the control channel and refuses writes
// from Unknown clients. A full industrial stack is out of scope; the
// register map and the authorise-before-write rule are what matter here.
type FieldListener struct {
	logger   *slog.Logger
	node     *Node
	protocol model.ConnProtocol
	addr     string

	mu      sync.Mutex
	ln      net.Listener
	started chan struct{}
}

func NewFieldListener(logger *slog.Logger, node *Node, proto model.ConnProtocol, addr string) *FieldListener {
	return &FieldListener{
		logger: logger.With("component", "rtu-field",
			"node_id", node.Descriptor().NodeID, "protocol", string(proto)),
		node:     node,
		protocol: proto,
		addr:     addr,
		started:  make(chan struct{}),
	}
}

// Addr returns the bound listen address once Run has started.
func (l *FieldListener) Addr() net.Addr {
	<-l.started
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *FieldListener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	close(l.started)
	l.logger.Info("field listener up", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go l.serve(ctx, conn)
	}
}

func (l *FieldListener) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, port := splitAddr(conn.RemoteAddr().String())
	status := l.node.ClientStatus(ip, l.protocol)
	connectedAt := time.Now().UTC()

	rec := model.ConnectionRecord{
		NodeID:      l.node.Descriptor().NodeID,
		ClientIP:    ip,
		ClientPort:  port,
		Protocol:    l.protocol,
		Status:      status,
		ConnectedAt: connectedAt,
	}
	sessionID := uuid.NewString()
	l.node.RecordConnection(rec)
	l.logger.Info("client connected",
		"session_id", sessionID, "client_ip", ip, "status", string(status))

	requests, bytesIn, bytesOut := l.session(ctx, conn, status)

	disconnectedAt := time.Now().UTC()
	rec.DisconnectedAt = &disconnectedAt
	rec.RequestsCount = requests
	rec.BytesIn = bytesIn
	rec.BytesOut = bytesOut
	l.node.RecordConnection(rec)
	l.logger.Info("client disconnected", "session_id", sessionID, "requests", requests)
}

// session runs the request loop and returns usage counters.
func (l *FieldListener) session(ctx context.Context, conn net.Conn, status model.ConnStatus) (requests int64, bytesIn, bytesOut int64) {
	write := func(line string) {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		n, _ := fmt.Fprintf(conn, "%s\r\n", line)
		bytesOut += int64(n)
	}

	// Protocol-flavoured handshake banner.
	switch l.protocol {
	case model.ProtoIEC104:
		write("STARTDT_CON " + l.node.Descriptor().NodeID)
	default:
		write("MODBUS/TCP " + l.node.Descriptor().NodeID)
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		bytesIn += int64(len(line)) + 2
		if line == "" {
			continue
		}
		requests++

		fields := strings.Fields(line)
		switch strings.ToUpper(fields[0]) {
		case "READ":
			if len(fields) != 2 {
				write("ERR malformed read")
				continue
			}
			value, ok := l.readRegister(strings.ToLower(fields[1]))
			if !ok {
				write("ERR unknown register " + fields[1])
				continue
			}
			write("OK " + value)
		case "WRITE":
			if status != model.ConnAuthorised {
				write("ERR unauthorised")
				continue
			}
			if len(fields) != 3 {
				write("ERR malformed write")
				continue
			}
			if err := l.writeRegister(strings.ToLower(fields[1]), strings.ToLower(fields[2])); err != nil {
				write("ERR " + err.Error())
				continue
			}
			write("OK")
		case "QUIT":
			write("BYE")
			return
		default:
			write("ERR unknown function " + fields[0])
		}
	}
	return
}

func (l *FieldListener) readRegister(name string) (string, bool) {
	sample, haveSample := l.node.Latest()
	switch name {
	case "frequency":
		if !haveSample {
			return "", false
		}
		return fmt.Sprintf("%.3f", sample.FrequencyHz), true
	case "voltage":
		if !haveSample {
			return "", false
		}
		return fmt.Sprintf("%.2f", sample.VoltageKV), true
	case "active_power":
		if !haveSample {
			return "", false
		}
		return fmt.Sprintf("%.2f", sample.ActivePowerMW), true
	case "energy":
		if !haveSample {
			return "", false
		}
		return fmt.Sprintf("%.3f", sample.EnergyDeliveredMWH), true
	default:
		if state, ok := l.node.Breakers()[strings.ToUpper(name)]; ok {
			return string(state), true
		}
		return "", false
	}
}

func (l *FieldListener) writeRegister(name, value string) error {
	breaker := strings.ToUpper(name)
	switch value {
	case "open":
		_, err := l.node.Operate(breaker, model.ActionOpen)
		return err
	case "close":
		_, err := l.node.Operate(breaker, model.ActionClose)
		return err
	default:
		return fmt.Errorf("unsupported value %q", value)
	}
}

func splitAddr(addr string) (ip string, port int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
