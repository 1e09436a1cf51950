package escrow

import (
	natsutil "github.com/kthomas/go-natsutil"
	"github.com/provideplatform/custody/common"
)

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("escrow package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
}
