package token

import (
	"encoding/json"

	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/custody/common"
)

const natsTokenMinted = "custody.token.minted"
const natsTokenTransferred = "custody.token.transferred"

// dispatchOwnershipRecord broadcasts an ownership-change record; mint emits a
// genesis record from the zero account. The record shape is compatible with
// generic non-fungible-ownership observers, which can track transfers
// without depending on the escrow internals.
func (t *Token) dispatchOwnershipRecord(subject string, from, to *uuid.UUID) (*nats.PubAck, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"token_id": t.TokenID,
		"from":     from,
		"to":       to,
	})

	ack, err := natsutil.NatsJetstreamPublish(subject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch ownership record for token %d on subject: %s; %s", t.TokenID, subject, err.Error())
		return nil, err
	}
	return ack, nil
}
