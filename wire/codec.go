package wire

import (
	"fmt"

	"github.com/opd-ai/sovrnet/kernelif"
)

// Tags for KernelMessage encoding. Unique within this payload type only.
const (
	tagKMID SovereignTag = iota + 1
	tagKMSourceNode
	tagKMSourceProcess
	tagKMTargetNode
	tagKMTargetProcess
	tagKMRsvpNode
	tagKMRsvpProcess
	tagKMReqResp // 0 = request, 1 = response
	tagKMInherit
	tagKMExpectsResponse
	tagKMBody
	tagKMMetadata
	tagKMBlob
)

// SovereignTag is the tag-byte type used by every payload encoding in
// this package.
type SovereignTag = byte

// EncodeKernelMessage serializes km using the tag+varint format shared
// by every wire payload.
func EncodeKernelMessage(km kernelif.KernelMessage) []byte {
	w := &fieldWriter{}
	w.varint(tagKMID, km.ID)
	w.str(tagKMSourceNode, km.Source.Node)
	w.str(tagKMSourceProcess, km.Source.Process)
	w.str(tagKMTargetNode, km.Target.Node)
	w.str(tagKMTargetProcess, km.Target.Process)
	if km.Rsvp != nil {
		w.str(tagKMRsvpNode, km.Rsvp.Node)
		w.str(tagKMRsvpProcess, km.Rsvp.Process)
	}
	if km.Message.IsRequest() {
		req := km.Message.Request
		w.varint(tagKMReqResp, 0)
		if req.Inherit {
			w.varint(tagKMInherit, 1)
		}
		if req.ExpectsResponse != nil {
			w.varint(tagKMExpectsResponse, *req.ExpectsResponse)
		}
		w.bytesOpt(tagKMBody, req.Body)
		w.strOpt(tagKMMetadata, req.Metadata)
	} else {
		resp := km.Message.Response
		w.varint(tagKMReqResp, 1)
		if resp.Inherit {
			w.varint(tagKMInherit, 1)
		}
		w.bytesOpt(tagKMBody, resp.Body)
		w.strOpt(tagKMMetadata, resp.Metadata)
	}
	w.bytesOpt(tagKMBlob, km.Blob)
	return w.buf
}

// DecodeKernelMessage parses a buffer produced by EncodeKernelMessage.
func DecodeKernelMessage(data []byte) (kernelif.KernelMessage, error) {
	r := &fieldReader{data: data}
	var km kernelif.KernelMessage
	var rsvpNode, rsvpProcess string
	var haveRsvp bool
	var isResponse bool
	var inherit bool
	var expectsResponse *uint64
	var body []byte
	var metadata string

	for r.more() {
		tag, err := r.tag()
		if err != nil {
			return km, err
		}
		switch tag {
		case tagKMID:
			v, err := r.varint()
			if err != nil {
				return km, err
			}
			km.ID = v
		case tagKMSourceNode:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			km.Source.Node = s
		case tagKMSourceProcess:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			km.Source.Process = s
		case tagKMTargetNode:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			km.Target.Node = s
		case tagKMTargetProcess:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			km.Target.Process = s
		case tagKMRsvpNode:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			rsvpNode = s
			haveRsvp = true
		case tagKMRsvpProcess:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			rsvpProcess = s
			haveRsvp = true
		case tagKMReqResp:
			v, err := r.varint()
			if err != nil {
				return km, err
			}
			isResponse = v == 1
		case tagKMInherit:
			v, err := r.varint()
			if err != nil {
				return km, err
			}
			inherit = v == 1
		case tagKMExpectsResponse:
			v, err := r.varint()
			if err != nil {
				return km, err
			}
			expectsResponse = &v
		case tagKMBody:
			b, err := r.bytes()
			if err != nil {
				return km, err
			}
			body = b
		case tagKMMetadata:
			s, err := r.str()
			if err != nil {
				return km, err
			}
			metadata = s
		case tagKMBlob:
			b, err := r.bytes()
			if err != nil {
				return km, err
			}
			km.Blob = b
		default:
			return km, fmt.Errorf("wire: unknown KernelMessage tag %d", tag)
		}
	}

	if haveRsvp {
		km.Rsvp = &kernelif.Address{Node: rsvpNode, Process: rsvpProcess}
	}
	if isResponse {
		km.Message = kernelif.Message{Response: &kernelif.Response{
			Inherit:  inherit,
			Body:     body,
			Metadata: metadata,
		}}
	} else {
		km.Message = kernelif.Message{Request: &kernelif.Request{
			Inherit:         inherit,
			ExpectsResponse: expectsResponse,
			Body:            body,
			Metadata:        metadata,
		}}
	}
	return km, nil
}
