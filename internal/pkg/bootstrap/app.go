// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/nacos"
	"stocksync/internal/pkg/tracing"
)

// Worker 是随服务一起启动和关停的后台任务，例如 Kafka 消费者。
// Start 阻塞运行直到 ctx 结束或出现不可恢复的错误。
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// AppCtx 交给每个服务注册自己的路由、后台任务和关停钩子。
type AppCtx struct {
	Mux    *http.ServeMux
	Config *Config

	workers  []Worker
	shutdown []hook
	closers  []hook
}

// AddWorker 注册一个后台任务
func (a *AppCtx) AddWorker(w Worker) {
	a.workers = append(a.workers, w)
}

// OnShutdown 注册在停止接收新请求之后、停止后台任务之前执行的钩子，例如关闭推送 Hub。
func (a *AppCtx) OnShutdown(name string, fn func(ctx context.Context) error) {
	a.shutdown = append(a.shutdown, hook{name: name, fn: fn})
}

// OnClose 注册在 HTTP 服务关闭之后执行的钩子，用于释放连接池等资源。
func (a *AppCtx) OnClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, hook{name: name, fn: fn})
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx *AppCtx) error // 注册 HTTP 路由和后台任务
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞直到收到退出信号或某个后台任务失败。
func StartService(info AppInfo) error {
	cfg := GetCurrentConfig()
	log := logger.L()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return errors.Wrap(err, "initialize tracer provider")
	}

	// 2. 路由
	appCtx := &AppCtx{Mux: http.NewServeMux(), Config: cfg}
	if info.RegisterHandlers != nil {
		if err := info.RegisterHandlers(appCtx); err != nil {
			runHooks(context.Background(), "close", appCtx.closers)
			_ = tp.Shutdown(context.Background())
			return errors.Wrap(err, "register handlers")
		}
	}
	appCtx.Mux.Handle("/metrics", promhttp.Handler())
	appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// 3. 可选的 Nacos 注册
	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Infra.Nacos.Addrs != "" {
		namingClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			return errors.Wrap(err, "initialize nacos client")
		}
		if ip, err = getOutboundIP(); err != nil {
			return errors.Wrap(err, "get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			return err
		}
	}

	// 4. HTTP Server 和后台任务
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           appCtx.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on %s", server.Addr)
		}
		return nil
	})
	for _, w := range appCtx.workers {
		w := w
		g.Go(func() error {
			log.Info().Str("worker", w.Name()).Msg("✅ worker started")
			if err := w.Start(gctx); err != nil {
				return errors.Wrapf(err, "worker %s", w.Name())
			}
			return nil
		})
	}

	// 阻塞，直到接收到退出信号或某个 goroutine 失败
	<-gctx.Done()
	log.Info().Msgf("Shutting down service %s...", info.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// 5. 按顺序执行清理操作 (后进先出)
	// a. 从 Nacos 注销服务
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			log.Error().Err(err).Msg("Error deregistering from Nacos")
		}
		namingClient.Close()
	}

	// b. 服务级钩子：关闭 Hub，结束所有推送连接
	runHooks(ctx, "shutdown", appCtx.shutdown)

	// c. 停止后台任务
	for i := len(appCtx.workers) - 1; i >= 0; i-- {
		w := appCtx.workers[i]
		if err := w.Stop(ctx); err != nil {
			log.Error().Err(err).Str("worker", w.Name()).Msg("Error stopping worker")
		}
	}

	// d. 关闭 HTTP 服务器
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	} else {
		log.Info().Msg("HTTP server shut down.")
	}

	// e. 释放连接池
	runHooks(ctx, "close", appCtx.closers)

	// f. 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down tracer provider")
	}

	err = g.Wait()
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return err
}

func runHooks(ctx context.Context, phase string, hooks []hook) {
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			logger.L().Error().Err(err).Str("phase", phase).Str("hook", h.name).Msg("shutdown hook failed")
		}
	}
}

// getOutboundIP 通过一次 UDP "连接" 找到对外通信使用的本机地址，不会真正发包。
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
