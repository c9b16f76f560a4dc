package control

import (
	"context"
	"fmt"

	"github.com/kenchrcum/vaultbackup/internal/session"
	"github.com/kenchrcum/vaultbackup/internal/wire"
)

// Client carries cr_md_<action> requests over the OpXML/OpXMLReply opcode
// pair of an established session (spec §4.7), the same request/reply
// adaptation internal/chunkproto applies to EXISTS/READ/WRITE.
type Client struct {
	sess *session.Session
}

// NewClient wraps sess for control-subprotocol use.
func NewClient(sess *session.Session) *Client {
	return &Client{sess: sess}
}

// Do sends req and returns the parsed, schema-validated reply. A
// ReplyError reply is itself returned as an error so callers don't have to
// inspect Reply.Kind for the common case.
func (c *Client) Do(ctx context.Context, req Request) (Reply, error) {
	body, err := req.Marshal()
	if err != nil {
		return Reply{}, err
	}

	type result struct {
		reply Reply
		err   error
	}
	done := make(chan result, 1)
	err = c.sess.Send(ctx, wire.Header{Opcode: wire.OpXML}, body, nil, func(r session.Reply, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		reply, perr := ParseReply(r.Body)
		done <- result{reply: reply, err: perr}
	})
	if err != nil {
		return Reply{}, err
	}

	res := <-done
	if res.err != nil {
		return Reply{}, res.err
	}
	if res.reply.Kind == ReplyError {
		return res.reply, fmt.Errorf("control: %s: %s", req.Action, res.reply.Message)
	}
	return res.reply, nil
}
