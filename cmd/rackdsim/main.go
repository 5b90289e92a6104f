// rackdsim es un agente de rack falso para desarrollo y demos: habla el
// protocolo real (handshake incluido) y responde configure-dhcp sin tocar
// ningún DHCP de verdad.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"github.com/joho/godotenv"

	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/rpc"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found: %v (continuing with system env)", err)
	}

	var (
		addr      = flag.String("addr", envOr("RACKDSIM_ADDR", ":6240"), "dirección de escucha")
		ident     = flag.String("ident", envOr("RACKDSIM_IDENT", "rack-sim"), "identidad anunciada en el handshake")
		secretHex = flag.String("secret", os.Getenv("REGION_SECRET"), "secreto compartido en hex (env REGION_SECRET)")
		failMode  = flag.String("fail", "", "modo de falla: not-found|no-route|internal (vacío = responder ok)")
	)
	flag.Parse()

	logger.Init(logger.Config{Env: "dev", Level: "debug", ServiceName: "rackdsim"})
	defer logger.Sync()
	lg := logger.L()

	secret, err := rpc.ParseSecret(*secretHex)
	if err != nil {
		lg.Fatal("secreto compartido", logger.Err(err))
	}

	var pushes atomic.Int64
	srv := rpc.NewServer(*ident, secret)

	srv.Handle(rpc.CmdConfigureDHCP, func(_ context.Context, body cbor.RawMessage) (any, error) {
		var req rpc.ConfigureDHCPRequest
		if err := cbor.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("configure-dhcp: %w", err)
		}
		switch *failMode {
		case "not-found":
			return nil, &rpc.Fault{Code: rpc.FaultNotFound, Msg: fmt.Sprintf("rack %d desconocido", req.RackID)}
		case "no-route":
			return nil, &rpc.Fault{Code: rpc.FaultNoRoute, Msg: "sin ruta al segmento dhcp"}
		case "internal":
			return nil, &rpc.Fault{Code: rpc.FaultInternal, Msg: "falla simulada"}
		}
		n := pushes.Add(1)
		lg.Info("configure-dhcp aplicado",
			logger.RackID(req.RackID),
			logger.String("rack_name", req.RackName),
			logger.Count(int(n)),
		)
		return &rpc.ConfigureDHCPResponse{OK: true}, nil
	})

	srv.Handle(rpc.CmdPing, func(context.Context, cbor.RawMessage) (any, error) {
		return &rpc.PingResponse{OK: true}, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		lg.Fatal("listen", logger.Err(err), logger.Address(*addr))
	}
	lg.Info("rackdsim escuchando", logger.Address(ln.Addr().String()), logger.String("ident", *ident))

	if err := srv.Serve(ctx, ln); err != nil {
		lg.Fatal("serve", logger.Err(err))
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
