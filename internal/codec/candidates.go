package codec

import "net/url"

// Vendor paths tried when the advertised RTSP URL does not connect. Hikvision
// and generic ONVIF cameras commonly expose one of these.
var fallbackPaths = []string{
	"/Streaming/Channels/101",
	"/live",
}

// CandidateURLs returns the ordered connection candidates for an RTSP source:
// the original URL first, then the URL rewritten onto common vendor paths.
// Unparseable URLs yield only the original.
func CandidateURLs(raw string) []string {
	out := []string{raw}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return out
	}
	for _, p := range fallbackPaths {
		if u.Path == p {
			continue
		}
		alt := *u
		alt.Path = p
		alt.RawQuery = ""
		out = append(out, alt.String())
	}
	return out
}
