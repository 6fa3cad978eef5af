package peer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// State is the lifecycle state of one link.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the negotiated media connection to one remote participant. At most
// one link exists per remote id; the manager tears down the old one before
// creating a replacement.
type Link struct {
	remoteID uuid.UUID
	conn     Conn

	mu            sync.Mutex
	state         State
	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit
	audioSender   TrackSender
	videoSender   TrackSender
	timer         *time.Timer
}

func newLink(remoteID uuid.UUID, conn Conn) *Link {
	return &Link{remoteID: remoteID, conn: conn, state: StateNew}
}

// RemoteID returns the remote participant id.
func (l *Link) RemoteID() uuid.UUID { return l.remoteID }

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// applyRemoteDescription sets the remote description and flushes any ICE
// candidates buffered before it arrived, in receipt order. The buffer is
// cleared afterwards.
func (l *Link) applyRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := l.conn.SetRemoteDescription(sdp); err != nil {
		return err
	}
	l.mu.Lock()
	l.remoteDescSet = true
	pending := l.pendingICE
	l.pendingICE = nil
	l.mu.Unlock()
	for _, cand := range pending {
		if err := l.conn.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// addICECandidate applies the candidate, or buffers it when the remote
// description has not been set yet.
func (l *Link) addICECandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteDescSet {
		l.pendingICE = append(l.pendingICE, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.conn.AddICECandidate(cand)
}

// attachLocalTracks adds the current local tracks to the connection and keeps
// the senders for later substitution. Nil tracks are skipped.
func (l *Link) attachLocalTracks(audio, video webrtc.TrackLocal) error {
	if audio != nil {
		sender, err := l.conn.AddTrack(audio)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.audioSender = sender
		l.mu.Unlock()
	}
	if video != nil {
		sender, err := l.conn.AddTrack(video)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.videoSender = sender
		l.mu.Unlock()
	}
	return nil
}

// replaceVideo substitutes the outgoing video track in place. A nil track
// stops sending video. Returns whether a sender existed to replace.
func (l *Link) replaceVideo(track webrtc.TrackLocal) (bool, error) {
	l.mu.Lock()
	sender := l.videoSender
	l.mu.Unlock()
	if sender == nil {
		if track == nil {
			return false, nil
		}
		newSender, err := l.conn.AddTrack(track)
		if err != nil {
			return false, err
		}
		l.mu.Lock()
		l.videoSender = newSender
		l.mu.Unlock()
		return true, nil
	}
	return true, sender.ReplaceTrack(track)
}

// armTimeout starts (or restarts) the negotiation timeout.
func (l *Link) armTimeout(d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, fn)
}

// disarmTimeout stops a pending negotiation timeout.
func (l *Link) disarmTimeout() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// close tears the link down. Safe to call more than once.
func (l *Link) close() {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.pendingICE = nil
	l.mu.Unlock()
	_ = l.conn.Close()
}
