package model

import (
	"encoding/json"

	"flowguard/pkg/traffic"
)

// MarshalJSON 非 UTF-8 报文体以 base64 保存，并带 content_encoding 标记
func (p PendingRequest) MarshalJSON() ([]byte, error) {
	type plain PendingRequest
	data, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	return traffic.EncodeBody(data, "content", p.Content)
}

// UnmarshalJSON 按 content_encoding 标记还原报文体
func (p *PendingRequest) UnmarshalJSON(data []byte) error {
	type plain PendingRequest
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	return traffic.DecodeBody(data, "content", &p.Content)
}

// MarshalJSON 同 PendingRequest
func (r ResponseRecord) MarshalJSON() ([]byte, error) {
	type plain ResponseRecord
	data, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	return traffic.EncodeBody(data, "content", r.Content)
}

func (r *ResponseRecord) UnmarshalJSON(data []byte) error {
	type plain ResponseRecord
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	return traffic.DecodeBody(data, "content", &r.Content)
}
