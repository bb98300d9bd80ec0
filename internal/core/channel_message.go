package core

import "strconv"

// ChannelMessage is a simplified, internal view of one item fetched from an
// external channel by the polling ingestion path. Timestamp is the platform's
// native sequence token (for Slack, a "seconds.micros" string); it orders
// messages and doubles as the poller cursor.
type ChannelMessage struct {
	ID        string
	Author    string
	Text      string
	Timestamp string
	ThreadTS  string
	Type      string
}

// TimestampAfter reports whether the message's timestamp is strictly newer
// than cursor. Comparison is numeric, not equality-based, so missed ticks and
// re-fetched items are tolerated. An unparseable timestamp is never newer.
func (m ChannelMessage) TimestampAfter(cursor string) bool {
	ts, err := strconv.ParseFloat(m.Timestamp, 64)
	if err != nil {
		return false
	}
	cur, err := strconv.ParseFloat(cursor, 64)
	if err != nil {
		return false
	}
	return ts > cur
}
