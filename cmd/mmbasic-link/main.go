package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
	"github.com/DNSGeek/mmbasic-link/internal/debug"
	"github.com/DNSGeek/mmbasic-link/internal/files"
	"github.com/DNSGeek/mmbasic-link/internal/logger"
	"github.com/DNSGeek/mmbasic-link/internal/server"
	"github.com/DNSGeek/mmbasic-link/internal/transport"
	"github.com/DNSGeek/mmbasic-link/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Use the built-in simulated MMBasic device")
	port := flag.String("port", "", "Override serial port (e.g. /dev/ttyACM0)")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	consoleMode := flag.Bool("console", false, "Run an interactive console instead of the HTTP server")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] mmbasic-link starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Serial.Driver = "demo"
		cfg.Serial.Port = "demo"
		cfg.Serial.AutoConnect = true
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var opener transport.Opener
	if cfg.Serial.Driver == "demo" {
		opener = transport.NewDemoDevice().Opener()
	} else {
		o, err := transport.OpenerFor(cfg.Serial.Driver)
		if err != nil {
			log.Fatalf("[main] %v", err)
		}
		opener = o
	}

	lg := logger.New(cfg.LoggerConfig())
	defer lg.Close()

	var display channel.Sink = channel.LogSink{}
	if *consoleMode {
		display = consoleSink(os.Stdout)
	}
	ch := channel.New(opener, cfg.ChannelOptions(channel.Tee(display, lg)))
	browser := files.NewBrowser(ch, cfg.FileTiming())
	session := debug.NewSession(ch, cfg.DebugTiming())

	defer func() {
		if session.IsActive() {
			session.Stop(context.Background())
		}
		if ch.IsConnected() {
			ch.Disconnect()
		}
	}()

	// Connect in the background; the server and console work while it retries
	if cfg.Serial.AutoConnect && cfg.Serial.Port != "" {
		go connectWithRetry(ctx, ch, cfg.Serial.Port, cfg.Serial.BaudRate, 10)
	}

	if *consoleMode {
		ed := newLineEditor(os.Stdin, os.Stdout)
		defer ed.close()
		c := &console{
			cfg:       cfg,
			ch:        ch,
			files:     browser,
			session:   session,
			out:       os.Stdout,
			listPorts: transport.ListPorts,
		}
		done := make(chan error, 1)
		go func() { done <- c.run(ctx, ed) }()
		select {
		case err := <-done:
			if err != nil {
				log.Printf("[main] console exited: %v", err)
			}
		case <-ctx.Done():
		}
		return
	}

	srv := server.New(cfg, ch, browser, session, lg, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. A port someone else has
// already opened through the API or console ends the loop.
func connectWithRetry(ctx context.Context, ch *channel.Channel, port string, baud, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if ch.IsConnected() {
			return
		}

		if err := ch.Connect(port, baud); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[serial] connect attempt %d/%d failed: %v (retry in %v)",
					attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[serial] connect attempt %d failed: %v (retry in %v)",
					attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[serial] connected to %s (attempt %d)", port, attempt+1)
			return
		}
	}
}
