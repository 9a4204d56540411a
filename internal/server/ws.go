// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"image"
	"strings"

	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/neurolearn/focusnet/internal/log"
	"github.com/neurolearn/focusnet/pkg/fer"
	"github.com/neurolearn/focusnet/pkg/focusnet/classifier"
	"github.com/neurolearn/focusnet/pkg/sessions"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamReply is sent for each frame received on the websocket.
type StreamReply struct {
	CheckResponse

	// Smoothed is the majority vote of the last frames.
	Smoothed string `json:"smoothed"`

	// Changed is set when Smoothed differs from the previous frame's.
	Changed bool `json:"changed"`

	Frame     int     `json:"frame"`
	FocusRate float64 `json:"focus_rate"`

	// SessionDistractions is the number of distractions of the linked session, after
	// logging a new one.
	SessionDistractions int `json:"session_distractions,omitempty"`

	Error string `json:"error,omitempty"`
}

// Stream classifies the frames of a websocket: binary messages with the raw image bytes, or text
// messages with {"image": base64}. Each frame is answered with a StreamReply.
func (h *focusHandler) Stream(conn *websocket.Conn) {
	userID, _ := conn.Locals(userIDKey).(string)
	requestID, _ := conn.Locals(RequestIDHeader).(string)
	ctx := log.ContextWithRequestID(context.Background(), requestID)
	logger := log.WithContext(ctx).WithField("user_id", userID)

	stream := classifier.NewStream(h.server.Model(), h.server.cfg.SmoothingWindow)
	logger.Info("Focus stream opened")
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("Focus stream closed unexpectedly")
			}
			break
		}
		reply := h.frame(ctx, stream, userID, messageType, data)
		if err = conn.WriteJSON(reply); err != nil {
			logger.WithError(err).Warn("Failed to write to focus stream")
			break
		}
	}
	frames, counts := stream.Stats()
	logger.WithFields(log.Fields{
		"frames":     frames,
		"focused":    counts[fer.Focused],
		"distracted": counts[fer.Distracted],
	}).Info("Focus stream closed")
}

// frame classifies one frame of the stream. If the smoothed label switches to distracted and
// the stream is linked to a user, a distraction is logged to the user's open session.
func (h *focusHandler) frame(ctx context.Context, stream *classifier.Stream, userID string, messageType int, data []byte) StreamReply {
	img, err := decodeFrame(messageType, data)
	if err != nil {
		return StreamReply{Error: "Invalid image: " + err.Error()}
	}
	obs, err := stream.Observe(img)
	if err != nil {
		log.WithContext(ctx).WithError(err).Error("Focus check failed")
		return StreamReply{Error: err.Error()}
	}
	reply := StreamReply{
		CheckResponse: newCheckResponse(obs.Prediction),
		Smoothed:      obs.Smoothed.Label(),
		Changed:       obs.Changed,
		Frame:         obs.Frame,
		FocusRate:     stream.FocusRate(),
	}
	if userID == "" || h.server.sessions == nil || !distractionStarts(obs) {
		return reply
	}
	session, err := h.server.sessions.RecordDistraction(ctx, userID, float64(obs.DistractedProb()))
	switch {
	case err == nil:
		reply.SessionDistractions = session.TotalDistractions()
	case errors.Is(err, sessions.ErrNotFound):
		// No open session: nothing to log.
	default:
		log.WithContext(ctx).WithError(err).Warn("Failed to log distraction")
	}
	return reply
}

// distractionStarts reports whether obs begins a distracted period. Streams start focused, so a
// first frame already smoothed to distracted begins one.
func distractionStarts(obs classifier.Observation) bool {
	return obs.Smoothed == fer.Distracted && (obs.Changed || obs.Frame == 1)
}

func decodeFrame(messageType int, data []byte) (image.Image, error) {
	if messageType == websocket.BinaryMessage {
		return fer.DecodeImage(data)
	}
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var req CheckRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, errors.Wrap(err, "invalid JSON frame")
		}
		text = req.Image
	}
	if text == "" {
		return nil, errNoImage
	}
	return fer.DecodeBase64Image(text)
}
