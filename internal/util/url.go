package util

import (
	"net/url"
	"strings"
)

// feedDomains lists hosts where NormalizeURL forces HTTPS and strips tracking parameters.
var feedDomains = []string{
	"smzdm.com",
	"www.smzdm.com",
	"post.smzdm.com",
	"faxian.smzdm.com",
	"go.smzdm.com",
}

func isFeedDomain(host string) bool {
	for _, d := range feedDomains {
		if host == d {
			return true
		}
	}
	return false
}

// NormalizeURL cleans deal links from the feed. Protocol-relative links are
// given an https scheme; links to other hosts are returned unchanged.
func NormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, err
	}

	if !isFeedDomain(parsedURL.Hostname()) {
		return rawURL, nil
	}

	parsedURL.Scheme = "https"
	queryParams := parsedURL.Query()
	utmParams := []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "send_by", "from"}
	for _, param := range utmParams {
		if queryParams.Has(param) {
			queryParams.Del(param)
		}
	}
	parsedURL.RawQuery = queryParams.Encode()
	return parsedURL.String(), nil
}
