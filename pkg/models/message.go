/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package models defines the shared data types exchanged between the
// agent's components and over the wire.
package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a message on the shared topic.
type MessageType string

const (
	MessageTypeGeneral  MessageType = "general"
	MessageTypeQuestion MessageType = "question"
	MessageTypeResponse MessageType = "response"
	MessageTypePresence MessageType = "presence"
	MessageTypeManual   MessageType = "manual"
)

var (
	// ErrMissingDeviceID is returned when a payload omits device_id.
	ErrMissingDeviceID = errors.New("message payload missing device_id")
	// ErrMissingContent is returned when a payload omits content.
	ErrMissingContent = errors.New("message payload missing content")
	// ErrMissingID is returned when a payload omits id.
	ErrMissingID = errors.New("message payload missing id")
)

// Message is one message on the shared topic. Immutable once received.
type Message struct {
	ID        string      `json:"id"`
	DeviceID  string      `json:"device_id"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"message_type"`
}

// NewMessage creates an outbound message with a fresh unique id and the
// current timestamp.
func NewMessage(deviceID, content string, msgType MessageType) Message {
	return Message{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
	}
}

// wireMessage is the JSON wire representation. Timestamps travel as
// ISO-8601 strings; unknown extra fields are ignored.
type wireMessage struct {
	ID        string `json:"id"`
	DeviceID  string `json:"device_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"message_type"`
}

// MarshalWire serializes the message to the wire schema.
func (m Message) MarshalWire() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:        m.ID,
		DeviceID:  m.DeviceID,
		Content:   m.Content,
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		Type:      string(m.Type),
	})
}

// UnmarshalWire parses a wire payload into a Message, validating that all
// required fields are present.
func UnmarshalWire(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, err
	}

	switch {
	case w.ID == "":
		return Message{}, ErrMissingID
	case w.DeviceID == "":
		return Message{}, ErrMissingDeviceID
	case w.Content == "":
		return Message{}, ErrMissingContent
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Message{}, err
	}

	msgType := MessageType(w.Type)
	if msgType == "" {
		msgType = MessageTypeGeneral
	}

	return Message{
		ID:        w.ID,
		DeviceID:  w.DeviceID,
		Content:   w.Content,
		Timestamp: ts,
		Type:      msgType,
	}, nil
}
