package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/blockbridge/internal/network"
	"github.com/energizer-project/blockbridge/internal/store"
)

// SessionView is a session as listed by the admin API.
type SessionView struct {
	ID              string    `json:"id"`
	Remote          string    `json:"remote"`
	State           string    `json:"state"`
	Phase           string    `json:"phase"`
	Username        string    `json:"username"`
	ProtocolVersion int32     `json:"protocol_version"`
	OpenedAt        time.Time `json:"opened_at"`
	Stats           struct {
		BytesUp       int64 `json:"bytes_up"`
		BytesDown     int64 `json:"bytes_down"`
		FramesDropped int64 `json:"frames_dropped"`
	} `json:"stats"`
}

// ViewOf converts an in-process connection snapshot.
func ViewOf(info network.ConnectionInfo) SessionView {
	v := SessionView{
		ID:              info.ID,
		Remote:          info.Remote,
		State:           info.State.String(),
		Phase:           info.Phase.String(),
		Username:        info.Username,
		ProtocolVersion: info.ProtocolVersion,
		OpenedAt:        info.OpenedAt,
	}
	v.Stats.BytesUp = info.Stats.BytesUp
	v.Stats.BytesDown = info.Stats.BytesDown
	v.Stats.FramesDropped = info.Stats.FramesDropped
	return v
}

// PrintSessions renders sessions as a table.
func PrintSessions(w io.Writer, sessions []SessionView, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No active sessions.")
		return
	}

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Remote", "Player", "State", "Upstream", "Up", "Down", "Dropped", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		player := s.Username
		if player == "" {
			player = "-"
		}
		tw.Append([]string{
			shortID(s.ID),
			s.Remote,
			player,
			s.State,
			s.Phase,
			humanBytes(s.Stats.BytesUp),
			humanBytes(s.Stats.BytesDown),
			fmt.Sprintf("%d", s.Stats.FramesDropped),
			now.Sub(s.OpenedAt).Truncate(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Fprintf(w, "%d session(s)\n", len(sessions))
}

// PrintLogins renders login records as a table.
func PrintLogins(w io.Writer, logins []store.LoginRecord) {
	if len(logins) == 0 {
		fmt.Fprintln(w, "No recorded logins.")
		return
	}

	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Time", "Player", "Remote", "Protocol", "Session"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, l := range logins {
		tw.Append([]string{
			l.At.Local().Format("2006-01-02 15:04:05"),
			l.Username,
			l.Remote,
			fmt.Sprintf("%d", l.ProtocolVersion),
			shortID(l.SessionID),
		})
	}
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
