package Adhoc

import (
	"PoseBridge/logger"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

// RegisterRequest announces one running module and the ports it owns.
type RegisterRequest struct {
	Id        string   `json:"id"`
	Name      string   `json:"name"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	HTTPPort  int      `json:"httpPort"`
	Ports     []string `json:"ports"`
	TimeStamp int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Heartbeat periodically registers the module with the name registry.
type Heartbeat struct {
	Interval time.Duration

	server RegServerConfig
	req    RegisterRequest
	client *resty.Client
	log    *zap.Logger
}

// NewHeartbeat assigns the instance id; every announcement reuses it.
func NewHeartbeat(server RegServerConfig, req RegisterRequest, log *zap.Logger) *Heartbeat {
	req.Id = uuid.NewString()
	return &Heartbeat{
		Interval: TimeOutSeconds * time.Second,
		server:   server,
		req:      req,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:      logger.Or(log),
	}
}

func (h *Heartbeat) ID() string { return h.req.Id }

// Send performs one registration.
func (h *Heartbeat) Send(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register panic recovered: %v", r)
		}
	}()
	req := h.req
	req.TimeStamp = time.Now().Unix()
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&respBody).
		Post(h.server.URL())
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry refused instance %s", req.Id)
	}
	return nil
}

// SendAliveMessage registers immediately and then on every tick until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (h *Heartbeat) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("registry heartbeat failed", zap.String("url", h.server.URL()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			h.log.Info("registry heartbeat stopped", zap.String("id", h.req.Id))
			return
		case <-ticker.C:
		}
	}
}

// GetOutboundIP returns the local address routed towards the internet. No
// packet is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
