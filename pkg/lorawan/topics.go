package lorawan

import (
	"fmt"
	"regexp"
	"strings"
)

// Uplink topic shapes seen across network-server versions. Each regexp
// captures the application segment first and the device EUI second.
var uplinkTopicShapes = []*regexp.Regexp{
	// ChirpStack v4: application/{app}/device/{eui}/event/up
	regexp.MustCompile(`^application/([^/]+)/device/([0-9a-fA-F]{16})/event/up$`),
	// ChirpStack v3: application/{app}/device/{eui}/rx
	regexp.MustCompile(`^application/([^/]+)/device/([0-9a-fA-F]{16})/rx$`),
	// Generic vendor bridges: {vendor}/{app}/devices/{eui}/up
	regexp.MustCompile(`^[^/]+/([^/]+)/devices/([0-9a-fA-F]{16})/up$`),
}

// TopicMatcher is a compiled MQTT topic filter usable as an anchored match.
type TopicMatcher struct {
	pattern string
	re      *regexp.Regexp
}

// CompileTopicPattern compiles an MQTT-style topic filter into a TopicMatcher.
// `+` matches exactly one topic level and `#` matches any remaining levels;
// `#` is only valid as the final level of the filter.
func CompileTopicPattern(pattern string) (*TopicMatcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("topic pattern cannot be empty")
	}

	levels := strings.Split(pattern, "/")
	parts := make([]string, 0, len(levels))
	for i, level := range levels {
		switch level {
		case "+":
			parts = append(parts, "[^/]+")
		case "#":
			if i != len(levels)-1 {
				return nil, fmt.Errorf("multi-level wildcard '#' must be the last level in %q", pattern)
			}
			parts = append(parts, ".*")
		default:
			if strings.ContainsAny(level, "+#") {
				return nil, fmt.Errorf("wildcard must occupy a whole level in %q", pattern)
			}
			parts = append(parts, regexp.QuoteMeta(level))
		}
	}

	re, err := regexp.Compile("^" + strings.Join(parts, "/") + "$")
	if err != nil {
		return nil, fmt.Errorf("compile topic pattern %q: %w", pattern, err)
	}
	return &TopicMatcher{pattern: pattern, re: re}, nil
}

// Match reports whether a concrete topic satisfies the filter.
func (m *TopicMatcher) Match(topic string) bool { return m.re.MatchString(topic) }

// Pattern returns the original filter string.
func (m *TopicMatcher) Pattern() string { return m.pattern }

// IsUplinkTopic reports whether a topic looks like a network-server uplink
// when no explicit pattern is configured. This is a heuristic compatibility
// path; deployments should configure an explicit uplink topic pattern and the
// router will use a TopicMatcher instead.
func IsUplinkTopic(topic string) bool {
	if strings.HasPrefix(topic, "application/") {
		return true
	}
	if strings.HasSuffix(topic, "/event/up") || strings.HasSuffix(topic, "/rx") {
		return true
	}
	return strings.Contains(topic, "/devices/") && strings.HasSuffix(topic, "/up")
}

// DeviceEUIFromTopic extracts the device EUI segment from a known uplink
// topic shape. The EUI is returned lower-cased.
func DeviceEUIFromTopic(topic string) (string, bool) {
	for _, shape := range uplinkTopicShapes {
		if groups := shape.FindStringSubmatch(topic); groups != nil {
			return strings.ToLower(groups[2]), true
		}
	}
	return "", false
}

// ApplicationIDFromTopic extracts the application segment from a known uplink
// topic shape.
func ApplicationIDFromTopic(topic string) (string, bool) {
	for _, shape := range uplinkTopicShapes {
		if groups := shape.FindStringSubmatch(topic); groups != nil {
			return groups[1], true
		}
	}
	return "", false
}

// UplinkTopic builds the ChirpStack v4 uplink topic for an application and
// device EUI. It is the inverse of DeviceEUIFromTopic for the v4 shape.
func UplinkTopic(applicationID, devEUI string) string {
	return fmt.Sprintf("application/%s/device/%s/event/up", applicationID, strings.ToLower(devEUI))
}
