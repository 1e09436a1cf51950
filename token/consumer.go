/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package token

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provideplatform/custody/common"
	"github.com/provideplatform/custody/merkle"
)

const defaultNatsStream = "custody"

const natsTokenCommitmentPendingSubject = "custody.token.commitment.pending"
const natsTokenCommitmentCompleteSubject = "custody.token.commitment.complete"
const natsTokenCommitmentFailedSubject = "custody.token.commitment.failed"

const tokenCommitmentAckWait = time.Minute * 5
const tokenCommitmentMaxInFlight = 32
const tokenCommitmentMaxDeliveries = 5

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("token package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	var waitGroup sync.WaitGroup

	createNatsTokenCommitmentSubscriptions(&waitGroup)
}

func createNatsTokenCommitmentSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			tokenCommitmentAckWait,
			natsTokenCommitmentPendingSubject,
			natsTokenCommitmentPendingSubject,
			natsTokenCommitmentPendingSubject,
			consumeTokenCommitmentMsg,
			tokenCommitmentAckWait,
			tokenCommitmentMaxInFlight,
			tokenCommitmentMaxDeliveries,
			nil,
		)
	}
}

// consumeTokenCommitmentMsg derives the committed merkle root for a token
// minted with a code batch; the codes never touch persistent storage
func consumeTokenCommitmentMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during token commitment derivation; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS token commitment message on subject: %s", len(msg.Data), msg.Subject)

	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal token commitment message; %s", err.Error())
		msg.Nak()
		return
	}

	tokenID, tokenIDOk := params["token_id"].(float64)
	if !tokenIDOk {
		common.Log.Warning("failed to unmarshal token_id during commitment message handler")
		msg.Nak()
		return
	}

	rawCodes, codesOk := params["codes"].([]interface{})
	if !codesOk || len(rawCodes) == 0 {
		common.Log.Warning("failed to unmarshal code batch during commitment message handler")
		msg.Nak()
		return
	}

	db := dbconf.DatabaseConnection()

	t := resolveToken(db, uint64(tokenID))
	if t == nil {
		common.Log.Warningf("failed to resolve token during async commitment derivation; token id: %d", uint64(tokenID))
		msg.Nak()
		return
	}

	tree := merkle.NewCommitmentTree(merkle.HashFactory(t.Hash))
	for _, rawCode := range rawCodes {
		code, codeOk := rawCode.(string)
		if !codeOk {
			common.Log.Warningf("failed to derive commitment for token: %d; non-string code in batch", t.TokenID)
			t.updateStatus(db, tokenStatusFailed, common.StringOrNil("non-string code in batch"))
			natsutil.NatsJetstreamPublish(natsTokenCommitmentFailedSubject, msg.Data)
			msg.Term()
			return
		}
		tree.Add([]byte(code))
	}

	root, err := tree.Root()
	if err != nil {
		common.Log.Warningf("failed to derive commitment for token: %d; %s", t.TokenID, err.Error())
		msg.Nak()
		return
	}

	err = t.installCommitment(db, *root)
	if err != nil {
		common.Log.Warningf("failed to install commitment for token: %d; %s", t.TokenID, err.Error())
		msg.Nak()
		return
	}

	common.Log.Debugf("installed commitment for token %d; root: %s", t.TokenID, *root)
	payload, _ := json.Marshal(map[string]interface{}{
		"token_id": t.TokenID,
		"root":     root,
	})
	natsutil.NatsJetstreamPublish(natsTokenCommitmentCompleteSubject, payload)
	msg.Ack()
}
