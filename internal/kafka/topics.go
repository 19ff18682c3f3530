package kafka

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-redemption/internal/logger"
)

const (
	TopicCodeRedeemed    = "discount.code.redeemed"
	TopicSharedRedeemed  = "discount.shared.redeemed"
	TopicPoolRegenerated = "discount.pool.regenerated"
	TopicTokenMinted     = "booking.token.minted"
	TopicCheckedIn       = "booking.checked_in"
)

// Topics lists every topic this service produces to.
func Topics() []string {
	return []string{
		TopicCodeRedeemed,
		TopicSharedRedeemed,
		TopicPoolRegenerated,
		TopicTokenMinted,
		TopicCheckedIn,
		DeadLetterTopic(TopicTokenMinted),
	}
}

// EnsureTopicsExist creates Kafka topics if they don't already exist
func EnsureTopicsExist(brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	// Connect to the first broker to find the controller
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		err = controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		if err != nil {
			if errors.Is(err, kafka.TopicAlreadyExists) {
				log.Debug("KAFKA", fmt.Sprintf("Topic %s already exists", topic))
				continue
			}
			// Continue trying to create other topics even if one fails
			log.Warn("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
		} else {
			log.Info("KAFKA", fmt.Sprintf("Created topic: %s", topic))
		}
	}

	// Wait a moment for topics to be fully created
	time.Sleep(1 * time.Second)
	return nil
}
