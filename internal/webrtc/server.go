// Package webrtc carries live sessions over WebRTC DataChannels.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/live"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/pion/webrtc/v3"
)

// ErrNoChannel is returned when a reply is due before the client opened its DataChannel.
var ErrNoChannel = errors.New("data channel not open")

// Peer is one connected client and its live session
type Peer struct {
	id       string
	peerConn *webrtc.PeerConnection
	session  *live.Session
	sink     *channelSink
	closeOne sync.Once
}

// Server manages WebRTC peers
type Server struct {
	peers   map[string]*Peer
	peersMu sync.RWMutex
	config  webrtc.Configuration
	api     *webrtc.API
	live    *live.Manager
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, manager *live.Manager) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// DataChannels only, no media tracks
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		peers: make(map[string]*Peer),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		api:  api,
		live: manager,
	}
}

// HandleOffer opens a live session on referenceID for the offering client and
// returns the SDP answer. Reference errors are returned before any peer
// connection is created.
func (s *Server) HandleOffer(ctx context.Context, referenceID string, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	sink := &channelSink{}
	session, err := s.live.Open(ctx, referenceID, sink)
	if err != nil {
		return nil, err
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &Peer{
		id:       session.ID(),
		peerConn: peerConn,
		session:  session,
		sink:     sink,
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("WebRTC", "Peer %s opened channel %q", peer.id, dc.Label())
		sink.attach(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !session.Submit(frameInput(msg.IsString, msg.Data)) {
				logger.Debug("WebRTC", "Peer %s sent a frame after its session closed", peer.id)
			}
		})
		dc.OnClose(func() {
			logger.Info("WebRTC", "Peer %s channel closed", peer.id)
			s.RemovePeer(peer.id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Peer %s connection state: %s", peer.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Peer %s connection lost (%s), removing...", peer.id, state.String())
			s.RemovePeer(peer.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peer.close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peer.close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peer.close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peer.close()
		return nil, ctx.Err()
	}

	s.peersMu.Lock()
	s.peers[peer.id] = peer
	s.peersMu.Unlock()

	// the session may end on its own (idle, detector down); drop the peer with it
	go func() {
		<-session.Done()
		s.RemovePeer(peer.id)
	}()

	logger.Info("WebRTC", "Peer %s connected to reference %s", peer.id, referenceID)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemovePeer(peer.id)
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemovePeer(peer.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

func (p *Peer) close() {
	p.closeOne.Do(func() {
		p.session.Close()
		p.peerConn.Close()
	})
}

// RemovePeer closes a peer and its session
func (s *Server) RemovePeer(id string) {
	s.peersMu.Lock()
	peer, exists := s.peers[id]
	delete(s.peers, id)
	s.peersMu.Unlock()
	if !exists {
		return
	}
	peer.close()
	logger.Info("WebRTC", "Peer %s disconnected (sent: %d)", id, peer.sink.sent())
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

// Close closes all peers
func (s *Server) Close() error {
	s.peersMu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.RUnlock()

	for _, id := range ids {
		s.RemovePeer(id)
	}
	return nil
}

// textSender is the part of a DataChannel replies go through.
type textSender interface {
	SendText(string) error
}

// channelSink delivers live replies as JSON text messages.
type channelSink struct {
	mu       sync.Mutex
	dc       textSender
	messages uint64
}

func (c *channelSink) attach(dc textSender) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
}

func (c *channelSink) Send(m live.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc == nil {
		return ErrNoChannel
	}
	if err := c.dc.SendText(string(raw)); err != nil {
		return err
	}
	c.messages++
	return nil
}

func (c *channelSink) sent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages
}

// frameMessage is the text form of a client frame.
type frameMessage struct {
	Image               string `json:"image"`
	ReferenceFrameIndex *int   `json:"reference_frame_index"`
}

// parseFrameMessage turns a DataChannel message into a session input. Binary
// messages are raw JPEG frames scored against the session cursor; text
// messages are JSON with a base64 image and an optional pinned reference frame.
// frameInput parses a data channel message. A message that cannot be parsed
// becomes an input carrying the error so the session replies in order.
func frameInput(isString bool, data []byte) live.Input {
	in, err := parseFrameMessage(isString, data)
	if err != nil {
		return live.Input{Err: err}
	}
	return in
}

func parseFrameMessage(isString bool, data []byte) (live.Input, error) {
	if !isString {
		if len(data) == 0 {
			return live.Input{}, fmt.Errorf("empty frame")
		}
		return live.Input{Image: data}, nil
	}

	var msg frameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return live.Input{}, fmt.Errorf("invalid frame message: %w", err)
	}
	if msg.Image == "" {
		return live.Input{}, fmt.Errorf("frame message has no image")
	}
	img, err := media.DecodeBase64(msg.Image)
	if err != nil {
		return live.Input{}, err
	}
	in := live.Input{Image: img}
	if msg.ReferenceFrameIndex != nil {
		if *msg.ReferenceFrameIndex < 0 {
			return live.Input{}, fmt.Errorf("reference_frame_index must not be negative")
		}
		in.ReferenceFrame = *msg.ReferenceFrameIndex
		in.Pinned = true
	}
	return in, nil
}
