package module

import (
	"PoseBridge/monitor"
	"PoseBridge/port"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const helpText = "commands: quit, get_config, state, status, help"

// rpcHandler answers text commands read from the rpc port on the reply port.
type rpcHandler struct {
	in   port.InPort
	out  port.OutPort
	m    *Module
	log  *zap.Logger
	once sync.Once
	done chan struct{}
}

func newRPCHandler(in port.InPort, out port.OutPort, m *Module, log *zap.Logger) *rpcHandler {
	return &rpcHandler{
		in:   in,
		out:  out,
		m:    m,
		log:  log.With(zap.String("port", in.Name())),
		done: make(chan struct{}),
	}
}

func (h *rpcHandler) serve() {
	defer close(h.done)
	for {
		payload, ok := h.in.Read()
		if !ok {
			return
		}
		monitor.ControlRequests.WithLabelValues("rpc").Inc()
		reply := h.m.Respond(string(payload))
		if err := h.out.Write([]byte(reply)); err != nil {
			h.log.Warn("rpc reply not written", zap.Error(err))
		}
	}
}

func (h *rpcHandler) close() {
	h.once.Do(func() {
		_ = h.in.Close()
		if h.m.State() != Configuring {
			<-h.done
		}
		_ = h.out.Close()
	})
}

// Respond executes one text command and returns the reply.
func (m *Module) Respond(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "unknown command"
	}
	switch strings.ToLower(fields[0]) {
	case "quit":
		m.Quit()
		return "bye"
	case "get_config":
		return toJSON(m.Snapshot())
	case "state":
		return m.State().String()
	case "status":
		return toJSON(m.Status())
	case "help":
		return helpText
	}
	return "unknown command: " + fields[0]
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "error: " + err.Error()
	}
	return string(b)
}
