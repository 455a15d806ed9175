package core

import "fmt"

// RequestType routes a Request to its handler. The numeric values are part
// of the wire protocol.
type RequestType uint32

const (
	BLOB             RequestType = 0
	DISCOVERY        RequestType = 1
	MINED_BLOCK      RequestType = 2
	RESOLUTION       RequestType = 3
	BLOCK_RESOLUTION RequestType = 4
)

func (t RequestType) String() string {
	switch t {
	case BLOB:
		return "BLOB"
	case DISCOVERY:
		return "DISCOVERY"
	case MINED_BLOCK:
		return "MINED_BLOCK"
	case RESOLUTION:
		return "RESOLUTION"
	case BLOCK_RESOLUTION:
		return "BLOCK_RESOLUTION"
	}
	return fmt.Sprintf("RequestType(%d)", uint32(t))
}

// Request is the envelope for every peer-to-peer message.
//
//	Request { 1: request_type varint; 2: request_message bytes }
type Request struct {
	Type    RequestType
	Message []byte
}

func (q *Request) Encode() []byte {
	var dst []byte
	dst = appendVarintField(dst, 1, uint64(q.Type))
	dst = appendBytesField(dst, 2, q.Message)
	return dst
}

func DecodeRequest(data []byte) (*Request, error) {
	r := newWireReader(data)
	var out Request
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			if err := r.expectWireType(wt, wireVarint); err != nil {
				return nil, err
			}
			v, err := r.readUvarint()
			if err != nil {
				return nil, err
			}
			out.Type = RequestType(v)
		case 2:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return nil, err
			}
			v, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			out.Message = v
		default:
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("request: unknown field %d", field))
		}
	}
	return &out, nil
}

// BlobMessage is the unit of application data committed to the chain.
//
//	BlobMessage { 1: timestamp double; 2: blob bytes }
type BlobMessage struct {
	Timestamp float64
	Blob      []byte
}

func (m *BlobMessage) Encode() []byte {
	var dst []byte
	dst = appendDoubleField(dst, 1, m.Timestamp)
	dst = appendBytesField(dst, 2, m.Blob)
	return dst
}

func DecodeBlobMessage(data []byte) (*BlobMessage, error) {
	r := newWireReader(data)
	var out BlobMessage
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			if err := r.expectWireType(wt, wireFixed64); err != nil {
				return nil, err
			}
			v, err := r.readDouble()
			if err != nil {
				return nil, err
			}
			out.Timestamp = v
		case 2:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return nil, err
			}
			v, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			out.Blob = v
		default:
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("blob message: unknown field %d", field))
		}
	}
	return &out, nil
}

// DiscoveryMessage announces node liveness over the heartbeat broadcast.
//
//	DiscoveryMessage { 1: node_id varint }
type DiscoveryMessage struct {
	NodeID uint32
}

func (m *DiscoveryMessage) Encode() []byte {
	return appendVarintField(nil, 1, uint64(m.NodeID))
}

func DecodeDiscoveryMessage(data []byte) (*DiscoveryMessage, error) {
	r := newWireReader(data)
	var out DiscoveryMessage
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			if err := r.expectWireType(wt, wireVarint); err != nil {
				return nil, err
			}
			v, err := r.readUvarint()
			if err != nil {
				return nil, err
			}
			if v > 0xFFFF_FFFF {
				return nil, cerr(DECODE_ERR_OVERFLOW, "node_id exceeds uint32")
			}
			out.NodeID = uint32(v)
		default:
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("discovery: unknown field %d", field))
		}
	}
	return &out, nil
}

// MinedBlockMessage carries a freshly mined block and the advertised
// cumulative cost of the chain it extends.
//
//	MinedBlockMessage { 1: chain_cost varint; 2: block bytes }
type MinedBlockMessage struct {
	ChainCost uint64
	Block     []byte
}

func (m *MinedBlockMessage) Encode() []byte {
	var dst []byte
	dst = appendVarintField(dst, 1, m.ChainCost)
	dst = appendBytesField(dst, 2, m.Block)
	return dst
}

func DecodeMinedBlockMessage(data []byte) (*MinedBlockMessage, error) {
	r := newWireReader(data)
	var out MinedBlockMessage
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			if err := r.expectWireType(wt, wireVarint); err != nil {
				return nil, err
			}
			v, err := r.readUvarint()
			if err != nil {
				return nil, err
			}
			out.ChainCost = v
		case 2:
			if err := r.expectWireType(wt, wireBytes); err != nil {
				return nil, err
			}
			v, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			out.Block = v
		default:
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("mined block: unknown field %d", field))
		}
	}
	return &out, nil
}

// BlockResolutionMessage requests block bodies by chain index during the
// second phase of chain resolution.
//
//	BlockResolutionMessage { 1: indices repeated varint (packed) }
type BlockResolutionMessage struct {
	Indices []uint32
}

func (m *BlockResolutionMessage) Encode() []byte {
	if len(m.Indices) == 0 {
		return nil
	}
	var packed []byte
	for _, idx := range m.Indices {
		packed = appendUvarint(packed, uint64(idx))
	}
	return appendRawBytesField(nil, 1, packed)
}

func DecodeBlockResolutionMessage(data []byte) (*BlockResolutionMessage, error) {
	r := newWireReader(data)
	var out BlockResolutionMessage
	for !r.done() {
		field, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch field {
		case 1:
			switch wt {
			case wireBytes:
				packed, err := r.readBytes()
				if err != nil {
					return nil, err
				}
				pr := newWireReader(packed)
				for !pr.done() {
					v, err := pr.readUvarint()
					if err != nil {
						return nil, err
					}
					if v > 0xFFFF_FFFF {
						return nil, cerr(DECODE_ERR_OVERFLOW, "index exceeds uint32")
					}
					out.Indices = append(out.Indices, uint32(v))
				}
			case wireVarint:
				v, err := r.readUvarint()
				if err != nil {
					return nil, err
				}
				if v > 0xFFFF_FFFF {
					return nil, cerr(DECODE_ERR_OVERFLOW, "index exceeds uint32")
				}
				out.Indices = append(out.Indices, uint32(v))
			default:
				return nil, cerr(DECODE_ERR_WIRE_TYPE, "block resolution: bad wire type")
			}
		default:
			return nil, cerr(DECODE_ERR_FIELD, fmt.Sprintf("block resolution: unknown field %d", field))
		}
	}
	return &out, nil
}
