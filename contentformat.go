package lwm2mcore

import (
	coapmsg "github.com/plgd-dev/go-coap/v2/message"
)

// ContentFormat is an OMA LwM2M / CoAP Content-Format registry number.
type ContentFormat uint16

// Registered content formats the codec façade understands. Values below
// 256 coincide with the general CoAP Content-Format registry; values above
// 11000 are LwM2M-specific allocations with no go-coap constant.
const (
	FormatTextPlain     ContentFormat = 0
	FormatLinkFormat    ContentFormat = 40
	FormatOctetStream   ContentFormat = 42
	FormatCBOR          ContentFormat = 60
	FormatSenMLJSON     ContentFormat = 110
	FormatSenMLCBOR     ContentFormat = 112
	FormatOMAJSON       ContentFormat = 11543
	FormatTLV           ContentFormat = 11542
	FormatLwM2MCBOR     ContentFormat = 11544
	FormatSenMLETCHJSON ContentFormat = 322
	FormatSenMLETCHCBOR ContentFormat = 325
)

var formatNames = map[ContentFormat]string{
	FormatTextPlain:     "text/plain",
	FormatLinkFormat:    "application/link-format",
	FormatOctetStream:   "application/octet-stream",
	FormatCBOR:          "application/cbor",
	FormatSenMLJSON:     "application/senml+json",
	FormatSenMLCBOR:     "application/senml+cbor",
	FormatOMAJSON:       "application/vnd.oma.lwm2m+json",
	FormatTLV:           "application/vnd.oma.lwm2m+tlv",
	FormatLwM2MCBOR:     "application/vnd.oma.lwm2m+cbor",
	FormatSenMLETCHJSON: "application/senml-etch+json",
	FormatSenMLETCHCBOR: "application/senml-etch+cbor",
}

func (f ContentFormat) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return "application/octet-stream"
}

// isComposite reports whether f is a container format that can carry
// several records (the SenML family, LwM2M-CBOR, TLV) as opposed to a
// single flat value.
func (f ContentFormat) isComposite() bool {
	switch f {
	case FormatSenMLJSON, FormatSenMLCBOR, FormatSenMLETCHJSON, FormatSenMLETCHCBOR, FormatLwM2MCBOR, FormatTLV:
		return true
	default:
		return false
	}
}

// asCoAPMediaType maps the subset of LwM2M content formats that coincide
// with the CoAP Content-Format registry onto go-coap's MediaType. LwM2M-only
// allocations (TLV, LwM2M-CBOR, the legacy OMA JSON format, SenML-ETCH) have
// no go-coap constant and are carried through as a raw numeric MediaType -
// go-coap only treats this value as an opaque option integer, so this is
// safe.
func (f ContentFormat) asCoAPMediaType() coapmsg.MediaType {
	return coapmsg.MediaType(f)
}

func contentFormatFromCoAP(m coapmsg.MediaType) ContentFormat {
	return ContentFormat(m)
}
