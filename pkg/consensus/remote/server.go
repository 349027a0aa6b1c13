package remote

import (
	"fmt"
	"net"

	"github.com/certenlabs/ledgervalidator/pkg/consensus"
	"github.com/certenlabs/ledgervalidator/pkg/wire"
)

// ServeCallbacks accepts connections on addr from the out-of-process
// consensus engine and delivers BlockNew/BlockValid/BlockInvalid/
// BlockCommit notifications to cb (the ChainController). This is the
// inbound half of the consensus channel; Engine above is the outbound
// half. The two travel over separate connections since each is driven by
// a different side and neither blocks waiting on the other's frames.
//
// Blocks until the listener errors or is closed; callers run it in a
// goroutine alongside Controller.Run.
func ServeCallbacks(addr string, cb consensus.Callbacks) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remote: listen %s: %w", addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("remote: accept: %w", err)
		}
		go serveCallbackConn(conn, cb)
	}
}

func serveCallbackConn(conn net.Conn, cb consensus.Callbacks) {
	defer conn.Close()
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		var note wire.BlockNotification
		if frame.Type != wire.MsgConsensusAck {
			if err := frame.Decode(&note); err != nil {
				return
			}
		}
		switch frame.Type {
		case wire.MsgConsensusBlockNew:
			cb.BlockNew(note.BlockID)
		case wire.MsgConsensusBlockValid:
			cb.BlockValid(note.BlockID)
		case wire.MsgConsensusBlockInvalid:
			cb.BlockInvalid(note.BlockID)
		case wire.MsgConsensusBlockCommit:
			cb.BlockCommit(note.BlockID)
		default:
			wire.WriteFrame(conn, wire.MsgConsensusAck, wire.Ack{})
			continue
		}
		if err := wire.WriteFrame(conn, wire.MsgConsensusAck, wire.Ack{}); err != nil {
			return
		}
	}
}
