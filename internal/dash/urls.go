package dash

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

var templateTokenRe = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth|)(%0(\d+)d)?\$`)

// resolveURL resolves a path against a base URL, handling potential errors.
func resolveURL(base *url.URL, path string) (*url.URL, error) {
	resolvedPath, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse path '%s': %w", path, err)
	}
	return base.ResolveReference(resolvedPath), nil
}

// baseChain resolves the BaseURL elements from the MPD location down to the representation.
func baseChain(mpdLocationURL string, elements ...string) (*url.URL, error) {
	current, err := url.Parse(mpdLocationURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mpdLocationURL '%s': %w", mpdLocationURL, err)
	}
	for _, el := range elements {
		if el == "" {
			continue
		}
		current, err = resolveURL(current, el)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve BaseURL: %w", err)
		}
	}
	return current, nil
}

// expandTemplate substitutes the identifiers of a SegmentTemplate attribute.
// Width formats such as $Number%05d$ are honoured; "$$" yields a literal dollar sign.
func expandTemplate(template string, rep *Representation, number int64, time uint64) string {
	return templateTokenRe.ReplaceAllStringFunc(template, func(token string) string {
		m := templateTokenRe.FindStringSubmatch(token)
		var value string
		switch m[1] {
		case "":
			return "$"
		case "RepresentationID":
			return rep.ID
		case "Bandwidth":
			value = strconv.Itoa(rep.Bandwidth)
		case "Number":
			value = strconv.FormatInt(number, 10)
		case "Time":
			value = strconv.FormatUint(time, 10)
		}
		if m[3] != "" {
			width, _ := strconv.Atoi(m[3])
			for len(value) < width {
				value = "0" + value
			}
		}
		return value
	})
}

// BuildInitSegmentURL constructs the full URL for an initialization segment.
func BuildInitSegmentURL(base *url.URL, tmpl *SegmentTemplate, rep *Representation) (string, error) {
	if tmpl.Initialization == "" {
		return "", nil
	}
	finalURL, err := resolveURL(base, expandTemplate(tmpl.Initialization, rep, 0, 0))
	if err != nil {
		return "", fmt.Errorf("failed to resolve init path: %w", err)
	}
	return finalURL.String(), nil
}

// BuildSegmentURL constructs the full URL for a media segment.
func BuildSegmentURL(base *url.URL, tmpl *SegmentTemplate, rep *Representation, number int64, time uint64) (string, error) {
	finalURL, err := resolveURL(base, expandTemplate(tmpl.Media, rep, number, time))
	if err != nil {
		return "", fmt.Errorf("failed to resolve media path: %w", err)
	}
	return finalURL.String(), nil
}
