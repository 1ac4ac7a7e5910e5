package handlers

import (
	"context"
	"time"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/kafka"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
)

// HandleMachineEvent is the kafka handler for the machine events topic.
// Agent-originated lifecycle transitions are decoded and routed through
// the orchestrator so they reach websocket subscribers exactly like
// transitions performed by this node's own REST handlers.
func (h *Handlers) HandleMachineEvent(ctx context.Context, msg kafka.Message) error {
	start := time.Now()

	event, err := kafka.DecodeEvent(msg.Value)
	if err != nil {
		// Undecodable records would block the partition forever; dead-letter
		// them when a producer is configured, drop them otherwise.
		h.logger.WithError(err).WithFields(logging.Fields{
			"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset,
		}).Error("Dead-lettering undecodable machine event")
		h.deadLetter(msg, err)
		h.countKafkaMessage(msg.Topic, "dropped")
		return nil
	}

	machineEvent, err := event.ToMachineEvent()
	if err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"event_id": event.ID, "type": event.Type,
		}).Error("Dropping malformed machine event")
		h.countKafkaMessage(msg.Topic, "dropped")
		return nil
	}

	err = h.orch.HandleEvent(ctx, machineEvent)
	if err != nil {
		h.countKafkaMessage(msg.Topic, "error")
	} else {
		h.countKafkaMessage(msg.Topic, "success")
	}
	if h.metrics != nil && h.metrics.KafkaDuration != nil {
		h.metrics.KafkaDuration.WithLabelValues("consume").Observe(time.Since(start).Seconds())
	}
	return err
}

func (h *Handlers) deadLetter(msg kafka.Message, cause error) {
	if h.dlq == nil {
		return
	}
	payload, err := kafka.EncodeDLQMessage(msg, cause, serviceName)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode dead-letter payload")
		return
	}
	if err := h.dlq.ProduceMessage(h.dlqTopic, msg.Key, payload, nil); err != nil {
		h.logger.WithError(err).Error("Failed to publish dead-letter message")
	}
}

func (h *Handlers) countKafkaMessage(topic, status string) {
	if h.metrics == nil || h.metrics.KafkaMessages == nil {
		return
	}
	h.metrics.KafkaMessages.WithLabelValues(topic, "consume", status).Inc()
}
