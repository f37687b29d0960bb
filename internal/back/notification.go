package back

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"nydus/internal/rating"
)

type NotificationType int

const (
	NotificationTypeMatchFound NotificationType = iota
	NotificationTypeMatchSettled
	NotificationTypeMatchAborted
	NotificationTypeMatchConflict
)

func NotificationTypeName(typ NotificationType) string {
	switch typ {
	case NotificationTypeMatchFound:
		return "MatchFound"
	case NotificationTypeMatchSettled:
		return "MatchSettled"
	case NotificationTypeMatchAborted:
		return "MatchAborted"
	case NotificationTypeMatchConflict:
		return "MatchConflict"
	default:
		return "invalid"
	}
}

// Notification is one player-facing event. Delivery is at-least-once:
// duplicates are harmless, silence is not.
type Notification struct {
	MatchID   uuid.UUID
	Recipient uuid.UUID
	Type      NotificationType

	body bytes.Buffer
}

func (n *Notification) Printf(str string, args ...interface{}) (int, error) {
	return fmt.Fprintf(&n.body, str, args...)
}

func (n *Notification) Print(args ...interface{}) (int, error) {
	return fmt.Fprint(&n.body, args...)
}

func (n *Notification) Body() string {
	return n.body.String()
}

// For debugging purposes only.
func (n *Notification) String() string {
	return fmt.Sprintf(
		"type %s, match %s, recipient %s, contents: %q",
		NotificationTypeName(n.Type), n.MatchID, n.Recipient, n.Body(),
	)
}

func (b *Back) sendMatchFoundNotifications(match Match) {
	send := func(recipient uuid.UUID, faction, opponentFaction string) {
		notif := &Notification{
			MatchID:   match.ID.UUID(),
			Recipient: recipient,
			Type:      NotificationTypeMatchFound,
		}

		notif.Printf(
			"A match was found for you!\n"+
				"You play **%s** against %s (%s) on **%s**.\n"+
				"Confirm to lock it in, the match is void until both players confirm.",
			faction, match.opponentOf(recipient), opponentFaction, match.Map,
		)

		b.dispatcher.dispatch(notif)
	}

	send(match.PlayerA.UUID(), match.FactionA, match.FactionB)
	send(match.PlayerB.UUID(), match.FactionB, match.FactionA)
}

func (b *Back) sendMatchSettledNotifications(match Match, outcome rating.Outcome, newA, newB float64) {
	send := func(recipient uuid.UUID, seatA bool, newRating float64) {
		notif := &Notification{
			MatchID:   match.ID.UUID(),
			Recipient: recipient,
			Type:      NotificationTypeMatchSettled,
		}

		notif.Printf("Your match on **%s** has been settled.\n", match.Map)
		switch {
		case outcome == rating.OutcomeDraw:
			notif.Print("**The match is a draw.**\n")
		case (outcome == rating.OutcomeAWins) == seatA:
			notif.Print("**You won!**\n")
		default:
			notif.Print("**You lost.**\n")
		}
		notif.Printf("Your new rating is %.0f.", newRating)

		b.dispatcher.dispatch(notif)
	}

	send(match.PlayerA.UUID(), true, newA)
	send(match.PlayerB.UUID(), false, newB)
}

// Both players hear about an abort, not just whoever asked for it.
func (b *Back) sendMatchAbortedNotifications(match Match, requestedBy uuid.UUID) {
	send := func(recipient uuid.UUID) {
		notif := &Notification{
			MatchID:   match.ID.UUID(),
			Recipient: recipient,
			Type:      NotificationTypeMatchAborted,
		}

		if recipient == requestedBy {
			notif.Print("Your match has been aborted, no rating change was applied.")
		} else {
			notif.Print(
				"Your opponent aborted the match, no rating change was applied.\n" +
					"You can rejoin the queue right away.",
			)
		}

		b.dispatcher.dispatch(notif)
	}

	send(match.PlayerA.UUID())
	send(match.PlayerB.UUID())
}

func (b *Back) sendMatchConflictNotifications(match Match, detail string) {
	send := func(recipient uuid.UUID) {
		notif := &Notification{
			MatchID:   match.ID.UUID(),
			Recipient: recipient,
			Type:      NotificationTypeMatchConflict,
		}

		notif.Printf(
			"Your match on **%s** could not be settled automatically and was "+
				"sent to manual review.\nReason: %s",
			match.Map, detail,
		)

		b.dispatcher.dispatch(notif)
	}

	send(match.PlayerA.UUID())
	send(match.PlayerB.UUID())
}
