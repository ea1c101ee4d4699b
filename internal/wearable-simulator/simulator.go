package wearable_simulator

import (
	"context"
	"log"
	"time"

	"github.com/LeonardoBeccarini/fall_detection/pkg/rabbitmq"
)

// WearableSimulator pubblica periodicamente letture di un dispositivo sul topic dell'accelerometro.
type WearableSimulator struct {
	deviceID  string
	generator *ReadingGenerator
	publisher rabbitmq.IPublisher
	qos       byte

	published int
	falls     int
}

func NewWearableSimulator(deviceID string, publisher rabbitmq.IPublisher, gen *ReadingGenerator) *WearableSimulator {
	return &WearableSimulator{
		deviceID:  deviceID,
		generator: gen,
		publisher: publisher,
		qos:       1, // la coda durevole del processore riceve solo QoS1
	}
}

// Start pubblica una lettura ogni interval finché ctx non viene cancellato
// o sono state inviate count letture (count <= 0: nessun limite).
func (s *WearableSimulator) Start(ctx context.Context, interval time.Duration, count int) {
	defer s.publisher.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("wearable %s: stopped after %d readings (%d falls)", s.deviceID, s.published, s.falls)
			return
		case <-ticker.C:
			if err := s.PublishOne(); err != nil {
				log.Printf("publish error: %v", err)
				continue
			}
			if count > 0 && s.published >= count {
				log.Printf("wearable %s: sent %d readings (%d falls)", s.deviceID, s.published, s.falls)
				return
			}
		}
	}
}

// PublishOne genera e pubblica una singola lettura.
func (s *WearableSimulator) PublishOne() error {
	payload, fall := s.generator.Next()
	if err := s.publisher.PublishMessageQos(s.qos, false, payload); err != nil {
		return err
	}
	s.published++
	if fall {
		s.falls++
		//debug
		log.Printf("wearable %s: simulated fall", s.deviceID)
	}
	return nil
}

func (s *WearableSimulator) Published() int { return s.published }
func (s *WearableSimulator) Falls() int     { return s.falls }
