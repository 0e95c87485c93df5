package kafka

import (
	"PPRealtime/logger"
	"PPRealtime/service/bus"
	"PPRealtime/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// groupHandler feeds every claimed message to h and marks it afterwards.
// sarama runs one ConsumeClaim per partition; order holds within a
// partition, which is what producers key on.
type groupHandler struct {
	h bus.Handler
}

func (g *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] group setup", zap.Any("claims", s.Claims()), zap.String("member", s.MemberID()))
	return nil
}

func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("[kafka] group cleanup")
	return nil
}

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			safe.Run("kafka.consume", func() { g.h(ctx, msg.Value) })
			session.MarkMessage(msg, "")
		}
	}
}
