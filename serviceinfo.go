package meshrpc

import (
	"encoding/binary"
	"fmt"
)

// ServiceInfo is the record the service directory hands out for each
// registered service: its id, the machine it lives on, and the endpoints
// a client can dial to reach it. TransportSocketCache.Socket takes exactly
// this plus an optional protocol that narrows ServiceInfo.Endpoints.
type ServiceInfo struct {
	Name      string
	ServiceID uint32
	MachineID string
	Endpoints []Url
}

// EncodeServiceInfo serializes a ServiceInfo the way this codebase's
// service-directory payloads are encoded: length-prefixed strings, a
// count-prefixed endpoint list, each endpoint as three length-prefixed
// strings. This is deliberately not encoding/json — the wire protocol
// for directory payloads matches the framing style of the rest of the
// message body, not a text format.
func EncodeServiceInfo(info ServiceInfo) []byte {
	buf := make([]byte, 0, 64+16*len(info.Endpoints))
	buf = appendString(buf, info.Name)
	buf = appendUint32(buf, info.ServiceID)
	buf = appendString(buf, info.MachineID)
	buf = appendUint32(buf, uint32(len(info.Endpoints)))
	for _, ep := range info.Endpoints {
		buf = appendString(buf, ep.Protocol)
		buf = appendString(buf, ep.Host)
		buf = appendString(buf, ep.Port)
	}
	return buf
}

// DecodeServiceInfo reverses EncodeServiceInfo.
func DecodeServiceInfo(data []byte) (ServiceInfo, error) {
	var info ServiceInfo
	r := byteReader{data: data}

	var err error
	if info.Name, err = r.string(); err != nil {
		return ServiceInfo{}, err
	}
	if info.ServiceID, err = r.uint32(); err != nil {
		return ServiceInfo{}, err
	}
	if info.MachineID, err = r.string(); err != nil {
		return ServiceInfo{}, err
	}
	count, err := r.uint32()
	if err != nil {
		return ServiceInfo{}, err
	}
	info.Endpoints = make([]Url, 0, count)
	for i := uint32(0); i < count; i++ {
		proto, err := r.string()
		if err != nil {
			return ServiceInfo{}, err
		}
		host, err := r.string()
		if err != nil {
			return ServiceInfo{}, err
		}
		port, err := r.string()
		if err != nil {
			return ServiceInfo{}, err
		}
		info.Endpoints = append(info.Endpoints, Url{Protocol: proto, Host: host, Port: port})
	}
	return info, nil
}

// EncodeServiceInfoList serializes the reply to a "services" directory
// call: a count-prefixed list of ServiceInfo records.
func EncodeServiceInfoList(infos []ServiceInfo) []byte {
	buf := appendUint32(nil, uint32(len(infos)))
	for _, info := range infos {
		enc := EncodeServiceInfo(info)
		buf = appendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

// DecodeServiceInfoList reverses EncodeServiceInfoList.
func DecodeServiceInfoList(data []byte) ([]ServiceInfo, error) {
	r := byteReader{data: data}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	out := make([]ServiceInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.uint32()
		if err != nil {
			return nil, err
		}
		chunk, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		info, err := DecodeServiceInfo(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

type byteReader struct {
	data []byte
	off  int
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("meshrpc: truncated service info payload")
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
