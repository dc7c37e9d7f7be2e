package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/casepot/capsule-sub004/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "capsule-worker",
		Usage: "daemon that leases interpreter sessions to remote clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before declaring failure.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8090",
			},
			&cli.IntFlag{
				Name:  "pool-size",
				Usage: "Maximum number of concurrently live sessions.",
				Value: 4,
			},
			&cli.StringFlag{
				Name:  "exec-timeout",
				Usage: "Wall-clock cap per execution. Zero means no cap.",
				Value: "0s",
			},
			&cli.StringFlag{
				Name:  "busy-deadline",
				Usage: "How long a released session may stay busy before the pool forces a reset.",
				Value: "30s",
			},
			&cli.UintFlag{
				Name:  "max-frame-bytes",
				Usage: "Maximum frame payload size accepted on session connections.",
				Value: 1 << 20,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "debug",
			},
			&cli.StringFlag{
				Name:  "ca-cert-pem",
				Usage: "The CA cert PEM bytes to use (base64-encoded). Omit all three cert flags to generate fresh certs.",
			},
			&cli.StringFlag{
				Name:  "cert-pem",
				Usage: "The server cert PEM bytes to use (base64-encoded).",
			},
			&cli.StringFlag{
				Name:  "key-pem",
				Usage: "The server key PEM bytes to use (base64-encoded).",
			},
			&cli.StringFlag{
				Name:  "client-certs-out",
				Usage: "Where to write client certs when generating fresh certs.",
				Value: "capsule-client-certs.json",
			},
		},
		Action: runWorker,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// clientCertsFile is what clients need to connect to a worker running on
// generated certs.
type clientCertsFile struct {
	CACertPEM     []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

func loadOrGenerateCerts(ctx *cli.Context) (caCertPEM, certPEM, keyPEM []byte, err error) {
	caCertEncoded := ctx.String("ca-cert-pem")
	certEncoded := ctx.String("cert-pem")
	keyEncoded := ctx.String("key-pem")

	if caCertEncoded == "" && certEncoded == "" && keyEncoded == "" {
		certs, err := worker.GenerateCert()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("generating certs: %w", err)
		}
		out := ctx.String("client-certs-out")
		b, err := json.MarshalIndent(clientCertsFile{
			CACertPEM:     certs.CA.CertPEM,
			ClientCertPEM: certs.Client.CertPEM,
			ClientKeyPEM:  certs.Client.KeyPEM,
		}, "", "  ")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshaling client certs: %w", err)
		}
		if err := os.WriteFile(out, b, 0600); err != nil {
			return nil, nil, nil, fmt.Errorf("writing client certs: %w", err)
		}
		fmt.Printf("generated fresh certs, client certs written to %s\n", out)
		return certs.CA.CertPEM, certs.Server.CertPEM, certs.Server.KeyPEM, nil
	}

	caCertPEM, err = base64.StdEncoding.DecodeString(caCertEncoded)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding CA cert PEM: %w", err)
	}
	certPEM, err = base64.StdEncoding.DecodeString(certEncoded)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding cert PEM: %w", err)
	}
	keyPEM, err = base64.StdEncoding.DecodeString(keyEncoded)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding key PEM: %w", err)
	}
	return caCertPEM, certPEM, keyPEM, nil
}

func runWorker(ctx *cli.Context) error {
	caCertPEM, certPEM, keyPEM, err := loadOrGenerateCerts(ctx)
	if err != nil {
		return err
	}

	var heartbeatFailureHandler func()
	switch onFailure := ctx.String("on-heartbeat-failure"); onFailure {
	case "exit":
		heartbeatFailureHandler = worker.HeartbeatFailureExit
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onFailure)
	}

	heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
	if err != nil {
		return fmt.Errorf("parsing heartbeat timeout: %w", err)
	}
	execTimeout, err := time.ParseDuration(ctx.String("exec-timeout"))
	if err != nil {
		return fmt.Errorf("parsing exec timeout: %w", err)
	}
	busyDeadline, err := time.ParseDuration(ctx.String("busy-deadline"))
	if err != nil {
		return fmt.Errorf("parsing busy deadline: %w", err)
	}
	logLevel, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	w, err := worker.New(
		caCertPEM,
		certPEM,
		keyPEM,
		worker.WithLogLevel(logLevel),
		worker.WithHeartbeatTimeout(heartbeatTimeout),
		worker.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		worker.WithListenAddr(ctx.String("listen-addr")),
		worker.WithPoolSize(ctx.Int("pool-size")),
		worker.WithExecTimeout(execTimeout),
		worker.WithBusyDeadline(busyDeadline),
		worker.WithMaxFrameSize(uint32(ctx.Uint("max-frame-bytes"))),
	)
	if err != nil {
		return fmt.Errorf("building worker: %w", err)
	}

	return w.Run()
}
