package traffic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// BodyEncodingBase64 非 UTF-8 报文体落盘时的编码标记
const BodyEncodingBase64 = "base64"

// Body 原始报文体，单独序列化时以文本表示（非法 UTF-8 序列替换为 U+FFFD）；
// 需要无损保存时由外层记录通过 EncodeBody/DecodeBody 处理
type Body []byte

// Text 有损解码为文本
func (b Body) Text() string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// MarshalJSON 输出为 JSON 字符串
func (b Body) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Text())
}

// UnmarshalJSON 从 JSON 字符串解析
func (b *Body) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*b = nil
		return nil
	}
	*b = Body(s)
	return nil
}

func encodingKey(field string) string {
	return field + "_encoding"
}

// EncodeBody 报文体不是合法 UTF-8 时，将 doc 中的 field 改写为 base64，
// 并写入 <field>_encoding 标记；合法 UTF-8 时原样返回
func EncodeBody(doc []byte, field string, body Body) ([]byte, error) {
	if utf8.Valid(body) {
		return doc, nil
	}
	doc, err := sjson.SetBytes(doc, field, base64.StdEncoding.EncodeToString(body))
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(doc, encodingKey(field), BodyEncodingBase64)
}

// DecodeBody 按 doc 中的 <field>_encoding 标记还原报文体
func DecodeBody(doc []byte, field string, body *Body) error {
	switch enc := gjson.GetBytes(doc, encodingKey(field)).String(); enc {
	case "":
		return nil
	case BodyEncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(gjson.GetBytes(doc, field).String())
		if err != nil {
			return fmt.Errorf("traffic: decode %s: %w", field, err)
		}
		*body = Body(raw)
		return nil
	default:
		return fmt.Errorf("traffic: unknown %s %q", encodingKey(field), enc)
	}
}
