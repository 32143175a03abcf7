package network

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// ChunkSize is the maximum payload of one FileChunk before compression.
	ChunkSize = 512 * 1024
	// MaxMessageSize bounds a single gRPC message in either direction.
	MaxMessageSize = 8 * 1024 * 1024

	// DefaultPingTimeout bounds the reachability probe after dialing.
	DefaultPingTimeout = 5 * time.Second
	// DefaultRegistrationTimeout bounds the v2 certificate request.
	DefaultRegistrationTimeout = 8 * time.Second
)

var (
	// ErrMalformedMessage indicates a protobuf payload could not be parsed.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrUnknownMessage indicates the codec was handed a type it does not serialize.
	ErrUnknownMessage = errors.New("network: unsupported message type")
)

// Message is implemented by every wire type of the Warp and WarpRegistration services.
type Message interface {
	appendWire(b []byte) []byte
	consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

// LookupName identifies the caller in most Warp calls.
type LookupName struct {
	ID           string
	ReadableName string
}

// HaveDuplex answers duplex checks.
type HaveDuplex struct {
	Response bool
}

// VoidType is the empty response.
type VoidType struct {
	Dummy int32
}

// RemoteMachineInfo carries the names shown for a remote.
type RemoteMachineInfo struct {
	DisplayName string
	UserName    string
}

// RemoteMachineAvatar is one chunk of the avatar image stream.
type RemoteMachineAvatar struct {
	AvatarChunk []byte
}

// OpInfo identifies a transfer. Timestamp is the transfer start time in millis.
type OpInfo struct {
	Ident          string
	Timestamp      uint64
	ReadableName   string
	UseCompression bool
}

// StopInfo stops a running transfer; Error tells the peer it failed.
type StopInfo struct {
	Info  *OpInfo
	Error bool
}

// TransferOpRequest offers a transfer to the receiver.
type TransferOpRequest struct {
	Info            *OpInfo
	SenderName      string
	ReceiverName    string
	Receiver        string
	Size            uint64
	Count           uint64
	NameIfSingle    string
	MimeIfSingle    string
	TopDirBasenames []string
}

// FileTime is the modification time of a sent file.
type FileTime struct {
	Mtime     uint64
	MtimeUsec uint32
}

// FileChunk is one element of the StartTransfer stream.
type FileChunk struct {
	RelativePath  string
	FileType      int32
	SymlinkTarget string
	Chunk         []byte
	FileMode      uint32
	Time          *FileTime
}

// RegRequest asks the registration service for the boxed certificate.
type RegRequest struct {
	IP       string
	Hostname string
}

// RegResponse carries base64(boxed certificate).
type RegResponse struct {
	LockedCert string
}

// ServiceRegistration is exchanged on manual connection.
type ServiceRegistration struct {
	ServiceID  string
	IP         string
	Port       uint32
	Hostname   string
	APIVersion uint32
	AuthPort   uint32
}

// Marshal encodes m in protobuf binary form.
func Marshal(m Message) []byte {
	return m.appendWire(nil)
}

// Unmarshal decodes protobuf binary data into m. Unknown fields are skipped.
func Unmarshal(data []byte, m Message) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		consumed, err := m.consumeField(num, typ, data)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
			if consumed < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(consumed))
			}
		}
		data = data[consumed:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendMessage(b []byte, num protowire.Number, m Message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.appendWire(nil))
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	raw, n, err := consumeRaw(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(raw)
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	raw, n, err := consumeRaw(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = append([]byte(nil), raw...)
	return n, nil
}

func consumeRaw(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field", ErrMalformedMessage)
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	return raw, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint field", ErrMalformedMessage)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeMessage(typ protowire.Type, b []byte, m Message) (int, error) {
	raw, n, err := consumeRaw(typ, b)
	if err != nil {
		return 0, err
	}
	if err := Unmarshal(raw, m); err != nil {
		return 0, err
	}
	return n, nil
}

func (m *LookupName) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	return appendString(b, 2, m.ReadableName)
}

func (m *LookupName) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.ID)
	case 2:
		return consumeString(typ, b, &m.ReadableName)
	}
	return 0, nil
}

func (m *HaveDuplex) appendWire(b []byte) []byte {
	return appendBool(b, 2, m.Response)
}

func (m *HaveDuplex) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 2 {
		return 0, nil
	}
	v, n, err := consumeVarint(typ, b)
	m.Response = v != 0
	return n, err
}

func (m *VoidType) appendWire(b []byte) []byte {
	return appendVarint(b, 1, uint64(int64(m.Dummy)))
}

func (m *VoidType) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return 0, nil
	}
	v, n, err := consumeVarint(typ, b)
	m.Dummy = int32(v)
	return n, err
}

func (m *RemoteMachineInfo) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.DisplayName)
	return appendString(b, 2, m.UserName)
}

func (m *RemoteMachineInfo) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.DisplayName)
	case 2:
		return consumeString(typ, b, &m.UserName)
	}
	return 0, nil
}

func (m *RemoteMachineAvatar) appendWire(b []byte) []byte {
	return appendBytes(b, 1, m.AvatarChunk)
}

func (m *RemoteMachineAvatar) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return 0, nil
	}
	return consumeBytes(typ, b, &m.AvatarChunk)
}

func (m *OpInfo) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Ident)
	b = appendVarint(b, 2, m.Timestamp)
	b = appendString(b, 3, m.ReadableName)
	return appendBool(b, 4, m.UseCompression)
}

func (m *OpInfo) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.Ident)
	case 2:
		v, n, err := consumeVarint(typ, b)
		m.Timestamp = v
		return n, err
	case 3:
		return consumeString(typ, b, &m.ReadableName)
	case 4:
		v, n, err := consumeVarint(typ, b)
		m.UseCompression = v != 0
		return n, err
	}
	return 0, nil
}

func (m *StopInfo) appendWire(b []byte) []byte {
	if m.Info != nil {
		b = appendMessage(b, 1, m.Info)
	}
	return appendBool(b, 2, m.Error)
}

func (m *StopInfo) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		m.Info = &OpInfo{}
		return consumeMessage(typ, b, m.Info)
	case 2:
		v, n, err := consumeVarint(typ, b)
		m.Error = v != 0
		return n, err
	}
	return 0, nil
}

func (m *TransferOpRequest) appendWire(b []byte) []byte {
	if m.Info != nil {
		b = appendMessage(b, 1, m.Info)
	}
	b = appendString(b, 2, m.SenderName)
	b = appendString(b, 3, m.ReceiverName)
	b = appendString(b, 4, m.Receiver)
	b = appendVarint(b, 5, m.Size)
	b = appendVarint(b, 6, m.Count)
	b = appendString(b, 7, m.NameIfSingle)
	b = appendString(b, 8, m.MimeIfSingle)
	for _, name := range m.TopDirBasenames {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	return b
}

func (m *TransferOpRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		m.Info = &OpInfo{}
		return consumeMessage(typ, b, m.Info)
	case 2:
		return consumeString(typ, b, &m.SenderName)
	case 3:
		return consumeString(typ, b, &m.ReceiverName)
	case 4:
		return consumeString(typ, b, &m.Receiver)
	case 5:
		v, n, err := consumeVarint(typ, b)
		m.Size = v
		return n, err
	case 6:
		v, n, err := consumeVarint(typ, b)
		m.Count = v
		return n, err
	case 7:
		return consumeString(typ, b, &m.NameIfSingle)
	case 8:
		return consumeString(typ, b, &m.MimeIfSingle)
	case 9:
		var name string
		n, err := consumeString(typ, b, &name)
		if err == nil {
			m.TopDirBasenames = append(m.TopDirBasenames, name)
		}
		return n, err
	}
	return 0, nil
}

func (m *FileTime) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, m.Mtime)
	return appendVarint(b, 2, uint64(m.MtimeUsec))
}

func (m *FileTime) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeVarint(typ, b)
		m.Mtime = v
		return n, err
	case 2:
		v, n, err := consumeVarint(typ, b)
		m.MtimeUsec = uint32(v)
		return n, err
	}
	return 0, nil
}

func (m *FileChunk) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.RelativePath)
	b = appendVarint(b, 2, uint64(int64(m.FileType)))
	b = appendString(b, 3, m.SymlinkTarget)
	b = appendBytes(b, 4, m.Chunk)
	b = appendVarint(b, 5, uint64(m.FileMode))
	if m.Time != nil {
		b = appendMessage(b, 6, m.Time)
	}
	return b
}

func (m *FileChunk) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.RelativePath)
	case 2:
		v, n, err := consumeVarint(typ, b)
		m.FileType = int32(v)
		return n, err
	case 3:
		return consumeString(typ, b, &m.SymlinkTarget)
	case 4:
		return consumeBytes(typ, b, &m.Chunk)
	case 5:
		v, n, err := consumeVarint(typ, b)
		m.FileMode = uint32(v)
		return n, err
	case 6:
		m.Time = &FileTime{}
		return consumeMessage(typ, b, m.Time)
	}
	return 0, nil
}

func (m *RegRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.IP)
	return appendString(b, 2, m.Hostname)
}

func (m *RegRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.IP)
	case 2:
		return consumeString(typ, b, &m.Hostname)
	}
	return 0, nil
}

func (m *RegResponse) appendWire(b []byte) []byte {
	return appendString(b, 1, m.LockedCert)
}

func (m *RegResponse) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num != 1 {
		return 0, nil
	}
	return consumeString(typ, b, &m.LockedCert)
}

func (m *ServiceRegistration) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.ServiceID)
	b = appendString(b, 2, m.IP)
	b = appendVarint(b, 3, uint64(m.Port))
	b = appendString(b, 4, m.Hostname)
	b = appendVarint(b, 5, uint64(m.APIVersion))
	return appendVarint(b, 6, uint64(m.AuthPort))
}

func (m *ServiceRegistration) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &m.ServiceID)
	case 2:
		return consumeString(typ, b, &m.IP)
	case 3, 5, 6:
		v, n, err := consumeVarint(typ, b)
		switch num {
		case 3:
			m.Port = uint32(v)
		case 5:
			m.APIVersion = uint32(v)
		default:
			m.AuthPort = uint32(v)
		}
		return n, err
	case 4:
		return consumeString(typ, b, &m.Hostname)
	}
	return 0, nil
}
