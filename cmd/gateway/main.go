package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/cnsync/selfgate/client"
	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/endpoint"
	"github.com/cnsync/selfgate/middleware"
	"github.com/cnsync/selfgate/middleware/selfforward"
	"github.com/cnsync/selfgate/proxy"
	"github.com/cnsync/selfgate/proxy/debug"
	"github.com/cnsync/selfgate/router/mux"
	"github.com/cnsync/selfgate/server"

	_ "github.com/cnsync/selfgate/middleware/circuitbreaker"
	_ "github.com/cnsync/selfgate/middleware/logging"
	_ "github.com/cnsync/selfgate/middleware/ratelimit"
	_ "github.com/cnsync/selfgate/middleware/requestid"
	_ "github.com/cnsync/selfgate/middleware/rewrite"
	_ "github.com/cnsync/selfgate/middleware/tracing"
	_ "go.uber.org/automaxprocs"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
)

var (
	proxyAddr   string
	proxyConfig string
	withDebug   bool
)

func init() {
	flag.BoolVar(&withDebug, "debug", false, "enable debug handlers")
	flag.StringVar(&proxyAddr, "addr", "", "proxy address, overrides server.addr, eg: -addr 0.0.0.0:8080")
	flag.StringVar(&proxyConfig, "conf", "", "config path, empty for the built-in routes, eg: -conf config.yaml")
}

func main() {
	flag.Parse()
	log.SetLogger(log.With(log.NewStdLogger(os.Stdout),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
	))

	ctx := context.Background()
	confLoader := config.NewFileLoader(proxyConfig, proxyAddr)
	bc, err := confLoader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	port, err := bc.Port()
	if err != nil {
		log.Fatalf("failed to resolve listen port: %v", err)
	}

	local := mux.NewRouter()
	if err := endpoint.Register(local); err != nil {
		log.Fatalf("failed to register local endpoints: %v", err)
	}

	upstream := client.New()
	defer upstream.Close()

	var p *proxy.Proxy
	selfForward := selfforward.New(port, func() middleware.Dispatcher {
		return p.Local()
	})
	p, err = proxy.New(upstream, middleware.Create, local, selfForward)
	if err != nil {
		log.Fatalf("failed to new proxy: %v", err)
	}
	if err := p.Update(bc); err != nil {
		log.Fatalf("failed to update routes: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	}()

	var serverHandler http.Handler = p
	if withDebug {
		debugService := debug.NewService()
		debugService.Register("proxy", p)
		debugService.Register("config", confLoader)
		serverHandler = debugService.Mashup(p)
	}
	app := kratos.New(
		kratos.Name(bc.Name),
		kratos.Context(ctx),
		kratos.Server(
			server.NewProxy(serverHandler, bc.Server),
		),
	)
	if err := app.Run(); err != nil {
		log.Errorf("failed to run servers: %v", err)
	}
}
