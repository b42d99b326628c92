// meatnet-cli is a protocol workbench: build and inspect wire frames
// without a radio attached.
package main

import (
	"encoding/hex"
	"strconv"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/meatnet/probe/crc"
	"github.com/meatnet/probe/helpers/cli"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
)

const usage = `syntax: one command per line
(frames)
- crc XX...               CRC16-CCITT over hex bytes
- encode TYPE XX...       build request frame, TYPE is name or hex code
- decode XX...            parse hex bytes as wire frames
- status SERIAL SESSION MAXSEQ [HOP]  build a probe status broadcast frame

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- help     this text
`

var log = log2.NewStderr(log2.LInfo)

var codec = protocol.NewCodec()

func main() {
	log.SetFlags(log2.LInteractiveFlags)
	codec.Resync = true

	cli.MainLoop("meatnet-cli", executor, completer)
}

func completer(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "crc", Description: "CRC16-CCITT over hex bytes"},
		{Text: "encode", Description: "build request frame"},
		{Text: "decode", Description: "parse hex as wire frames"},
		{Text: "status", Description: "build probe status frame"},
		{Text: "log=yes", Description: "debug logging on"},
		{Text: "log=no", Description: "debug logging off"},
		{Text: "help", Description: "usage"},
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

func executor(line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	if err := execute(words); err != nil {
		log.Errorf(errors.ErrorStack(err))
	}
}

func execute(words []string) error {
	switch words[0] {
	case "help":
		log.Infof(usage)
		return nil
	case "log=yes":
		log.SetLevel(log2.LDebug)
		return nil
	case "log=no":
		log.SetLevel(log2.LInfo)
		return nil
	case "crc":
		if len(words) != 2 {
			return errors.Errorf("crc wants one hex argument")
		}
		bs, err := hex.DecodeString(words[1])
		if err != nil {
			return errors.Annotatef(err, "input=%s", words[1])
		}
		log.Infof("crc16=%04x", crc.Sum16(bs))
		return nil
	case "encode":
		return doEncode(words[1:])
	case "decode":
		return doDecode(words[1:])
	case "status":
		return doStatus(words[1:])
	}
	return errors.Errorf("invalid command: '%s'", words[0])
}

func doEncode(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.Errorf("encode wants TYPE [hex payload]")
	}
	t, err := parseType(args[0])
	if err != nil {
		return err
	}
	var payload []byte
	if len(args) == 2 {
		if payload, err = hex.DecodeString(args[1]); err != nil {
			return errors.Annotatef(err, "payload=%s", args[1])
		}
	}
	req := protocol.NewRequest(t, payload)
	log.Infof("%s", req.String())
	log.Infof("> %s", hex.EncodeToString(protocol.EncodeRequest(&req)))
	return nil
}

func doDecode(args []string) error {
	if len(args) != 1 {
		return errors.Errorf("decode wants one hex argument")
	}
	bs, err := hex.DecodeString(args[0])
	if err != nil {
		return errors.Annotatef(err, "input=%s", args[0])
	}
	msgs, discarded := codec.DecodeAll(bs)
	for _, m := range msgs {
		switch mt := m.(type) {
		case *protocol.Request:
			log.Infof("< %s", mt.String())
			if mt.Type.Base() == protocol.TypeProbeStatus {
				if ps, ok := protocol.ParseProbeStatus(mt.Payload); ok {
					log.Infof("  serial=%08x hop=%d session=%08x seq=%d..%d mode=%d",
						ps.Serial, ps.HopCount, ps.SessionID, ps.MinSeq, ps.MaxSeq, ps.Mode)
				}
			}
		case *protocol.Response:
			log.Infof("< %s", mt.String())
		}
	}
	if discarded > 0 {
		log.Errorf("discarded=%d bytes", discarded)
	}
	return nil
}

func doStatus(args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return errors.Errorf("status wants SERIAL SESSION MAXSEQ [HOP]")
	}
	ps := protocol.ProbeStatus{}
	vals := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return errors.Annotatef(err, "arg=%s", a)
		}
		vals[i] = v
	}
	ps.Serial = uint32(vals[0])
	ps.SessionID = uint32(vals[1])
	ps.MaxSeq = uint32(vals[2])
	if len(vals) == 4 {
		ps.HopCount = uint8(vals[3])
	}
	req := protocol.NewRequest(protocol.TypeProbeStatus, ps.Append(nil))
	log.Infof("> %s", hex.EncodeToString(protocol.EncodeRequest(&req)))
	return nil
}

func parseType(s string) (protocol.MessageType, error) {
	switch strings.ToLower(s) {
	case "setprobeid":
		return protocol.TypeSetProbeID, nil
	case "setprobecolor":
		return protocol.TypeSetProbeColor, nil
	case "readsessioninfo":
		return protocol.TypeReadSessionInfo, nil
	case "readlogs":
		return protocol.TypeReadLogs, nil
	case "setprediction":
		return protocol.TypeSetPrediction, nil
	case "readovertemperature":
		return protocol.TypeReadOverTemperature, nil
	case "probestatus":
		return protocol.TypeProbeStatus, nil
	case "heartbeat":
		return protocol.TypeHeartbeat, nil
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return protocol.TypeInvalid, errors.Errorf("unknown type '%s', use a name or hex code", s)
	}
	return protocol.MessageType(v), nil
}
