package results

import (
	"github.com/go-drift/relay/pkg/core"
	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/state"
)

// ReplyBundle is stored under state.ReplyKey in the store of an instance
// activated by a message that expects a result.
func ReplyBundle(token Token, originID string) state.Bundle {
	return state.MustBundle(map[string]any{
		"token":  string(token),
		"origin": originID,
	})
}

// ReplyToken returns the token inst answers with, if it was activated by a
// message expecting a result.
func ReplyToken(inst *core.Instance) (Token, bool) {
	b, ok := inst.Store().Reserved(state.ReplyKey)
	if !ok {
		return "", false
	}
	t := b.String("token", "")
	return Token(t), t != ""
}

// Reply delivers the result for the message that activated inst and clears
// the reply token so a second reply fails.
func (c *Correlator) Reply(inst *core.Instance, payload state.Bundle, outcome Outcome) error {
	token, ok := ReplyToken(inst)
	if !ok {
		return relayerrors.Newf("results.Reply", relayerrors.KindValidation, inst.Type(), "instance %s has nothing to reply to", inst)
	}
	if err := c.Deliver(token, payload, outcome); err != nil {
		return err
	}
	inst.Store().Remove(state.ReplyKey)
	return nil
}
