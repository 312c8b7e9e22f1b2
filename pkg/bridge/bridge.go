// Package bridge mirrors servo telemetry into redis and executes bus
// commands popped from a redis list, so other services can drive the
// actuators without touching the serial link themselves.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/dynamixel-service/pkg/controller"
	"github.com/librescoot/dynamixel-service/pkg/device"
	"github.com/librescoot/dynamixel-service/pkg/redis"
)

// Command and response queues. Telemetry hash keys come from
// redis.ServoKey.
const (
	KeyCommands  = "dynamixel:commands"
	KeyResponses = "dynamixel:responses"
)

// Telemetry items mirrored each poll cycle. Together they fit one indirect
// read block: 4 + 4 + 2 + 1 = 11 of the 20 slots.
var telemetryItems = []string{
	"PRESENT_POSITION",
	"PRESENT_VELOCITY",
	"PRESENT_INPUT_VOLTAGE",
	"PRESENT_TEMPERATURE",
}

// Store is the slice of the redis client the bridge needs. Tests inject a
// fake; production passes *redis.Client from pkg/redis.
type Store interface {
	WriteAndPublishInt(key, field string, value int) error
	WriteAndPublishString(key, field, value string) error
	LPush(key string, value string) error
	BRPop(timeout time.Duration, key string) ([]string, error)
}

// Service runs the poll and command loops over one controller session.
type Service struct {
	ctrl     *controller.Controller
	store    Store
	interval time.Duration

	mu           sync.Mutex
	blockDevices []*device.Device
	plainDevices []*device.Device

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New wires a service. interval is the telemetry poll period.
func New(ctrl *controller.Controller, store Store, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Service{
		ctrl:     ctrl,
		store:    store,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start discovers the bus, installs telemetry read blocks where the devices
// accept them, and launches the poll and command loops.
func (s *Service) Start(ctx context.Context, scan controller.DiscoverOptions) error {
	found, err := s.ctrl.Discover(ctx, scan)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	if len(found) == 0 {
		log.Printf("No devices found on the bus")
	}

	for _, d := range found {
		s.store.WriteAndPublishString(redis.ServoKey(d.ID), "model", d.ModelName)
		if err := d.SetupIndirectReadBlock(ctx, telemetryItems); err != nil {
			// Torque already on, or an older model: poll it item by item.
			log.Printf("Device %d: indirect block setup failed (%v), using plain reads", d.ID, err)
			s.plainDevices = append(s.plainDevices, d)
			continue
		}
		s.blockDevices = append(s.blockDevices, d)
	}

	s.wg.Add(2)
	go s.pollLoop()
	go s.commandLoop()
	return nil
}

// Stop halts both loops. The controller session stays open; the caller owns
// its lifecycle.
func (s *Service) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Service) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Service) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	s.mu.Lock()
	blockDevices := s.blockDevices
	plainDevices := s.plainDevices
	s.mu.Unlock()

	if len(blockDevices) > 0 {
		// Half the poll period bounds the collection window so a slow
		// device cannot push the cycle over its own cadence.
		values, err := device.SyncReadBlocks(ctx, blockDevices, s.interval/2)
		if err != nil {
			log.Printf("Telemetry sync read failed: %v", err)
		} else {
			for id, itemValues := range values {
				s.publishTelemetry(id, itemValues)
			}
		}
	}

	for _, d := range plainDevices {
		itemValues := make(map[string]uint32, len(telemetryItems))
		ok := true
		for _, name := range telemetryItems {
			v, err := d.ReadItem(ctx, name)
			if err != nil {
				log.Printf("Device %d: failed to read %s: %v", d.ID, name, err)
				ok = false
				break
			}
			itemValues[name] = v
		}
		if ok {
			s.publishTelemetry(d.ID, itemValues)
		}
	}
}

func (s *Service) publishTelemetry(id byte, values map[string]uint32) {
	key := redis.ServoKey(id)
	s.storeInt(key, "position", int(values["PRESENT_POSITION"]))
	s.storeInt(key, "velocity", int(device.Signed32(values["PRESENT_VELOCITY"])))
	s.storeInt(key, "voltage", int(values["PRESENT_INPUT_VOLTAGE"]))
	s.storeInt(key, "temperature", int(values["PRESENT_TEMPERATURE"]))
}

func (s *Service) storeInt(key, field string, value int) {
	if err := s.store.WriteAndPublishInt(key, field, value); err != nil {
		log.Printf("Failed to write %s %s: %v", key, field, err)
	}
}

func (s *Service) commandLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		result, err := s.store.BRPop(time.Second, KeyCommands)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		if result == nil {
			continue
		}

		cmd, err := DecodeCommand([]byte(result[1]))
		if err != nil {
			log.Printf("Dropping malformed command: %v", err)
			continue
		}
		s.pushResponse(s.execute(cmd))
	}
}

func (s *Service) pushResponse(resp Response) {
	data, err := EncodeResponse(resp)
	if err != nil {
		log.Printf("Failed to encode response: %v", err)
		return
	}
	if err := s.store.LPush(KeyResponses, string(data)); err != nil {
		log.Printf("Failed to push response: %v", err)
	}
}

func (s *Service) execute(cmd Command) Response {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := Response{Action: cmd.Action, ID: cmd.ID}
	fail := func(err error) Response {
		resp.Error = err.Error()
		return resp
	}

	d, ok := s.ctrl.Device(cmd.ID)
	if !ok && cmd.Action != ActionPing {
		return fail(fmt.Errorf("unknown device %d", cmd.ID))
	}

	switch cmd.Action {
	case ActionPing:
		var err error
		if d, err = s.ctrl.AddDevice(ctx, cmd.ID); err != nil {
			return fail(err)
		}
		resp.Model = d.ModelName
	case ActionReadItem:
		v, err := d.ReadItem(ctx, cmd.Item)
		if err != nil {
			return fail(err)
		}
		resp.Value = v
	case ActionWriteItem:
		if err := d.WriteItem(ctx, cmd.Item, cmd.Value); err != nil {
			return fail(err)
		}
	case ActionTorque:
		if err := d.SetTorque(ctx, cmd.Value != 0); err != nil {
			return fail(err)
		}
	case ActionLED:
		if err := d.SetLED(ctx, cmd.Value != 0); err != nil {
			return fail(err)
		}
	case ActionGoalPosition:
		if err := d.SetGoalPosition(ctx, cmd.Value); err != nil {
			return fail(err)
		}
	case ActionReboot:
		if err := d.Reboot(ctx); err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("unknown action %q", cmd.Action))
	}

	resp.OK = true
	return resp
}
