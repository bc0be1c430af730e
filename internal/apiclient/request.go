package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"roomlink/internal/protocol"
)

const jsonContentType = "application/json"

// Request 是一次 REST 调用。Path 相对于 Config.BaseURL。
//
// Body 为 nil 时不发送请求体；[]byte 原样作为 JSON 发送；*Multipart 编码为
// multipart/form-data；其它值按 JSON 编码。
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any

	// SkipRefresh 用于建立凭证的调用（如登录），401 直接返回，不触发刷新。
	SkipRefresh bool
}

// Multipart 是 multipart/form-data 请求体。
type Multipart struct {
	Fields []Field
	Files  []File
}

type Field struct {
	Name  string
	Value string
}

type File struct {
	Field    string
	FileName string
	Data     []byte
}

// Response 持有已读完的响应体，便于重放后解码。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Decode 把 JSON 响应体解码到 v。
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("apiclient: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// errorCode 取出 {"error": "..."} 中的错误码，格式不符时返回空串。
func (r *Response) errorCode() string {
	var body protocol.ErrorBody
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Error
}

// requestDesc 是编码完成、可重复发送的请求描述。
type requestDesc struct {
	method      string
	path        string
	query       url.Values
	header      http.Header
	body        []byte
	contentType string
	skipRefresh bool
}

// pendingRequest 在一次 Send 内跟踪重放状态。
type pendingRequest struct {
	desc    requestDesc
	retried bool
}

func describe(req Request) (requestDesc, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path, query, err := splitPath(req.Path, req.Query)
	if err != nil {
		return requestDesc{}, err
	}
	d := requestDesc{
		method:      strings.ToUpper(method),
		path:        path,
		query:       query,
		header:      req.Header.Clone(),
		skipRefresh: req.SkipRefresh,
	}
	if d.header == nil {
		d.header = http.Header{}
	}
	preset := d.header.Get("Content-Type")
	d.header.Del("Content-Type")

	if req.Body == nil {
		return d, nil
	}
	if mp, ok := req.Body.(*Multipart); ok {
		return encodeMultipart(d, mp)
	}
	if strings.HasPrefix(strings.ToLower(preset), "multipart/") {
		fields, ok := req.Body.(map[string]string)
		if !ok {
			return d, fmt.Errorf("apiclient: multipart content type needs *Multipart or map[string]string body, got %T", req.Body)
		}
		mp := &Multipart{}
		for k, v := range fields {
			mp.Fields = append(mp.Fields, Field{Name: k, Value: v})
		}
		return encodeMultipart(d, mp)
	}

	switch b := req.Body.(type) {
	case []byte:
		d.body = b
	case json.RawMessage:
		d.body = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return d, fmt.Errorf("apiclient: encode body: %w", err)
		}
		d.body = encoded
	}
	d.contentType = jsonContentType
	return d, nil
}

// splitPath 拆出 Path 自带的查询串并与 query 合并，同名参数以 query 为准。
func splitPath(raw string, query url.Values) (string, url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("apiclient: invalid path %q: %w", raw, err)
	}
	if u.Scheme != "" || u.Host != "" {
		return "", nil, fmt.Errorf("apiclient: path %q must be relative to the base url", raw)
	}
	if u.RawQuery == "" {
		return u.Path, query, nil
	}
	merged := u.Query()
	for k, vs := range query {
		merged[k] = append([]string(nil), vs...)
	}
	return u.Path, merged, nil
}

// encodeMultipart 使用 writer 生成的带 boundary 的 content type。
func encodeMultipart(d requestDesc, mp *Multipart) (requestDesc, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range mp.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return d, err
		}
	}
	for _, f := range mp.Files {
		part, err := w.CreateFormFile(f.Field, f.FileName)
		if err != nil {
			return d, err
		}
		if _, err := part.Write(f.Data); err != nil {
			return d, err
		}
	}
	if err := w.Close(); err != nil {
		return d, err
	}
	d.body = buf.Bytes()
	d.contentType = w.FormDataContentType()
	return d, nil
}
