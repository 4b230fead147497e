package response

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

// CASNamespace CAS 协议 XML 命名空间
const CASNamespace = "http://www.yale.edu/tp/cas"

// CAS 协议错误码
const (
	CASInvalidRequest           = "INVALID_REQUEST"
	CASInvalidTicketSpec        = "INVALID_TICKET_SPEC"
	CASInvalidTicket            = "INVALID_TICKET"
	CASInvalidService           = "INVALID_SERVICE"
	CASUnauthorizedService      = "UNAUTHORIZED_SERVICE"
	CASUnauthorizedServiceProxy = "UNAUTHORIZED_SERVICE_PROXY"
	CASInvalidProxyCallback     = "INVALID_PROXY_CALLBACK"
	CASInternalError            = "INTERNAL_ERROR"
)

// 响应格式
const (
	FormatXML  = "XML"
	FormatJSON = "JSON"
)

// ServiceResponse CAS 2.0/3.0 serviceResponse 文档
// 四个分支中只有一个非空
type ServiceResponse struct {
	XMLName               xml.Name               `xml:"cas:serviceResponse" json:"-"`
	Namespace             string                 `xml:"xmlns:cas,attr" json:"-"`
	AuthenticationSuccess *AuthenticationSuccess `xml:"cas:authenticationSuccess,omitempty" json:"authenticationSuccess,omitempty"`
	AuthenticationFailure *Failure               `xml:"cas:authenticationFailure,omitempty" json:"authenticationFailure,omitempty"`
	ProxySuccess          *ProxySuccess          `xml:"cas:proxySuccess,omitempty" json:"proxySuccess,omitempty"`
	ProxyFailure          *Failure               `xml:"cas:proxyFailure,omitempty" json:"proxyFailure,omitempty"`
}

// AuthenticationSuccess 票据校验成功
type AuthenticationSuccess struct {
	User                string     `xml:"cas:user" json:"user"`
	Attributes          Attributes `xml:"cas:attributes,omitempty" json:"attributes,omitempty"`
	ProxyGrantingTicket string     `xml:"cas:proxyGrantingTicket,omitempty" json:"proxyGrantingTicket,omitempty"`
	Proxies             []string   `xml:"cas:proxies>cas:proxy,omitempty" json:"proxies,omitempty"`
}

// ProxySuccess 代理票据签发成功
type ProxySuccess struct {
	ProxyTicket string `xml:"cas:proxyTicket" json:"proxyTicket"`
}

// Failure 校验或代理失败
type Failure struct {
	Code        string `xml:"code,attr" json:"code"`
	Description string `xml:",chardata" json:"description"`
}

// Attributes 用户属性，XML 中每个属性输出为一个 cas:<name> 元素，多值属性重复输出
type Attributes map[string]interface{}

// MarshalXML 按属性名排序输出，保证文档稳定
func (a Attributes) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		if validXMLName(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		el := xml.StartElement{Name: xml.Name{Local: "cas:" + k}}
		for _, v := range attributeValues(a[k]) {
			if err := e.EncodeElement(v, el); err != nil {
				return err
			}
		}
	}
	return e.EncodeToken(start.End())
}

func attributeValues(v interface{}) []string {
	switch vv := v.(type) {
	case nil:
		return nil
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(vv)}
	}
}

// validXMLName 属性名只允许字母、数字、下划线、连字符和点，且不能以数字开头
func validXMLName(name string) bool {
	if name == "" || strings.HasPrefix(strings.ToLower(name), "xml") {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// NewServiceResponse 创建带命名空间的空文档
func NewServiceResponse() *ServiceResponse {
	return &ServiceResponse{Namespace: CASNamespace}
}

// AuthSuccess 校验成功文档
func AuthSuccess(success *AuthenticationSuccess) *ServiceResponse {
	resp := NewServiceResponse()
	resp.AuthenticationSuccess = success
	return resp
}

// AuthFailure 校验失败文档
func AuthFailure(code, description string) *ServiceResponse {
	resp := NewServiceResponse()
	resp.AuthenticationFailure = &Failure{Code: code, Description: description}
	return resp
}

// ProxyGranted 代理票据签发成功文档
func ProxyGranted(ticket string) *ServiceResponse {
	resp := NewServiceResponse()
	resp.ProxySuccess = &ProxySuccess{ProxyTicket: ticket}
	return resp
}

// ProxyDenied 代理票据签发失败文档
func ProxyDenied(code, description string) *ServiceResponse {
	resp := NewServiceResponse()
	resp.ProxyFailure = &Failure{Code: code, Description: description}
	return resp
}

// IsInternalError 文档是否表示服务端内部错误
func (r *ServiceResponse) IsInternalError() bool {
	for _, f := range []*Failure{r.AuthenticationFailure, r.ProxyFailure} {
		if f != nil && f.Code == CASInternalError {
			return true
		}
	}
	return false
}

// CAS 输出 serviceResponse，format 为 JSON 时输出 JSON，否则输出 XML
// 协议层面的失败仍返回 200，只有内部错误返回 500
func CAS(c *gin.Context, format string, resp *ServiceResponse) {
	status := http.StatusOK
	if resp.IsInternalError() {
		status = http.StatusInternalServerError
	}
	if strings.EqualFold(format, FormatJSON) {
		c.JSON(status, gin.H{"serviceResponse": resp})
		return
	}
	c.XML(status, resp)
}

// CASv1 输出 /validate 的纯文本响应
func CASv1(c *gin.Context, username string, ok bool) {
	body := "no\n\n"
	if ok {
		body = "yes\n" + username + "\n"
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}
