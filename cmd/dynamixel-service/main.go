package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/bridge"
	"github.com/librescoot/dynamixel-service/pkg/controller"
	"github.com/librescoot/dynamixel-service/pkg/redis"
)

// Configuration flags
var (
	transportKind = flag.String("transport", "auto", "Transport adapter: auto, serial, usb")
	serialPort    = flag.String("port", "/dev/ttyUSB0", "Serial device path")
	baudRate      = flag.Int("baud", 57600, "Serial baud rate")
	busTimeout    = flag.Duration("timeout", 100*time.Millisecond, "Per-transaction bus timeout")
	pollInterval  = flag.Duration("interval", 250*time.Millisecond, "Telemetry poll interval")
	fullScan      = flag.Bool("full-scan", false, "Sweep ids 1..252 instead of 1..20")
	redisAddr     = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass     = flag.String("redis-pass", "", "Redis password")
	redisDB       = flag.Int("redis-db", 0, "Redis database number")
	debug         = flag.Bool("debug", false, "Log raw TX/RX frames")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting DYNAMIXEL Bridge Service")
	log.Printf("Transport: %s", *transportKind)
	log.Printf("Serial port: %s", *serialPort)
	log.Printf("Baud rate: %d", *baudRate)
	log.Printf("Redis address: %s", *redisAddr)

	redisClient, err := redis.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	ctrl := controller.New(controller.Config{
		Kind:     controller.Kind(*transportKind),
		PortPath: *serialPort,
		BaudRate: *baudRate,
		Timeout:  *busTimeout,
		Debug:    *debug,
	})

	ctx := context.Background()
	if err := ctrl.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to servo bus: %v", err)
	}
	defer ctrl.Disconnect()
	log.Printf("Connected to servo bus")

	// Forward session notifications to the log.
	go func() {
		for ev := range ctrl.Events() {
			switch ev.Type {
			case controller.EventDeviceFound:
				log.Printf("Device found: id %d", ev.DeviceID)
			case controller.EventError:
				log.Printf("Session error: %v", ev.Err)
			case controller.EventDisconnected:
				log.Printf("Session disconnected")
			}
		}
	}()

	scan := controller.DiscoverOptions{}
	if *fullScan {
		scan.End = controller.FullScanEnd
	}

	svc := bridge.New(ctrl, redisClient, *pollInterval)
	if err := svc.Start(ctx, scan); err != nil {
		log.Fatalf("Failed to start bridge service: %v", err)
	}
	log.Printf("Bridge service running, mirroring telemetry every %v", *pollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	svc.Stop()
}
