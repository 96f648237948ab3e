package monitor

import (
	"PoseBridge/logger"
	"PoseBridge/port"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Controller is the part of the module exposed on the HTTP surface.
type Controller interface {
	Quit()
	Snapshot() map[string]any
	Status() map[string]any
}

type Options struct {
	Port       int
	Controller Controller
	// Network and the port names back the websocket taps; taps are disabled
	// when Network is nil.
	Network    port.Network
	TargetPort string
	ImagePort  string
	Log        *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type tapRecord struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

type imageSummary struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Bytes  int `json:"bytes"`
}

// NewRouter builds the control, health and metrics routes. Websocket taps
// end when ctx is cancelled.
func NewRouter(ctx context.Context, opts Options) *gin.Engine {
	log := logger.Or(opts.Log)
	registry := NewRegistry()

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(log))
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/config", func(c *gin.Context) {
		ControlRequests.WithLabelValues("http").Inc()
		c.JSON(http.StatusOK, gin.H{"data": opts.Controller.Snapshot()})
	})
	r.GET("/api/state", func(c *gin.Context) {
		ControlRequests.WithLabelValues("http").Inc()
		c.JSON(http.StatusOK, gin.H{"data": opts.Controller.Status()})
	})
	r.POST("/api/quit", func(c *gin.Context) {
		ControlRequests.WithLabelValues("http").Inc()
		log.Warn("quit requested over HTTP", zap.String("remote", c.ClientIP()))
		opts.Controller.Quit()
		c.JSON(http.StatusOK, gin.H{"data": "bye"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	r.GET("/ws/:port", func(c *gin.Context) {
		tap(ctx, c, opts, log)
	})
	return r
}

// tap streams every message written to one of the module's outbound ports
// as JSON until the client goes away.
func tap(ctx context.Context, c *gin.Context, opts Options, log *zap.Logger) {
	var name string
	switch c.Param("port") {
	case "target":
		name = opts.TargetPort
	case "image":
		name = opts.ImagePort
	}
	if name == "" || opts.Network == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Port not found"})
		return
	}
	in, err := opts.Network.OpenIn(name)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer in.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, in.Interrupt)
	defer stop()

	// the read pump only notices the client closing
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				in.Interrupt()
				return
			}
		}
	}()

	log.Info("port tap opened", zap.String("port", name), zap.String("remote", c.ClientIP()))
	kind := c.Param("port")
	for {
		payload, ok := in.Read()
		if !ok {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tap closed"))
			return
		}
		msg, err := summarize(kind, payload)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": err.Error()})
			continue
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Info("port tap closed", zap.String("port", name), zap.Error(err))
			return
		}
	}
}

func summarize(kind string, payload []byte) (any, error) {
	if kind == "image" {
		var img port.ImageMessage
		if err := msgpack.Unmarshal(payload, &img); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return imageSummary{Width: img.Width, Height: img.Height, Bytes: len(img.Pixels)}, nil
	}
	target, err := port.DecodeTarget(payload)
	if err != nil {
		return nil, err
	}
	people := make([][]tapRecord, 0, len(target))
	for _, records := range target {
		out := make([]tapRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, tapRecord{Name: rec.Name, X: rec.X, Y: rec.Y, Confidence: rec.Confidence})
		}
		people = append(people, out)
	}
	return people, nil
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// StartMon serves the HTTP surface on opts.Port and samples process usage
// until ctx is cancelled.
func StartMon(ctx context.Context, opts Options) error {
	log := logger.Or(opts.Log)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", opts.Port, err)
	}
	srv := &http.Server{Handler: NewRouter(ctx, opts)}
	go func() {
		log.Info("HTTP control server listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP control server stopped", zap.Error(err))
		}
	}()

	sampler, err := newProcessSampler()
	if err != nil {
		log.Warn("process metrics unavailable", zap.Error(err))
	}
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if sampler != nil {
				sampler.sample()
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP control server shutdown", zap.Error(err))
	}
	return nil
}
