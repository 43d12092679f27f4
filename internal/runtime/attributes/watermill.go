package attributes

import (
	"encoding/base64"
	"sort"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataKeyBinaryAttributes lists, comma separated, which metadata entries
// hold base64 encoded binary attributes.
const MetadataKeyBinaryAttributes = "flowbus_binary_attributes"

// ToWatermill flattens attributes into Watermill metadata for bridge publishers.
func ToWatermill(attrs MessageAttributes) message.Metadata {
	md := make(message.Metadata, len(attrs)+1)
	var binary []string
	for k, v := range attrs {
		if v.IsBinary() {
			md[k] = base64.StdEncoding.EncodeToString(v.BinaryValue)
			binary = append(binary, k)
			continue
		}
		md[k] = v.StringValue
	}
	if len(binary) > 0 {
		sort.Strings(binary)
		md[MetadataKeyBinaryAttributes] = strings.Join(binary, ",")
	}
	return md
}

// FromWatermill is the inverse of ToWatermill. Entries listed as binary that
// are not valid base64 are kept as strings.
func FromWatermill(md message.Metadata) MessageAttributes {
	attrs := make(MessageAttributes, len(md))
	binary := map[string]struct{}{}
	for _, k := range strings.Split(md.Get(MetadataKeyBinaryAttributes), ",") {
		if k != "" {
			binary[k] = struct{}{}
		}
	}
	for k, v := range md {
		if k == MetadataKeyBinaryAttributes {
			continue
		}
		if _, ok := binary[k]; ok {
			if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
				attrs[k] = Binary(decoded)
				continue
			}
		}
		attrs[k] = String(v)
	}
	return attrs
}
