package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/util"
)

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

// inboundJSON is the JSON form of the webhook body used by curl and tests.
type inboundJSON struct {
	From       string `json:"From"`
	Body       string `json:"Body"`
	Phone      string `json:"phone"`
	Message    string `json:"message"`
	MessageSid string `json:"MessageSid"`
}

// smsHandler receives inbound messages (POST /api/sms/handle) as a Twilio
// form post or a JSON body and replies with TwiML.
func (s *Server) smsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	reqID := util.GenerateRequestID()
	slog.Debug("Server.smsHandler: processing inbound message", "request_id", reqID, "method", r.Method, "path", r.URL.Path)

	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.smsHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid request body"))
		return
	}

	var from, body, messageID string
	if len(r.PostForm) > 0 {
		if s.validator != nil && !s.validSignature(r) {
			slog.Warn("Server.smsHandler: invalid Twilio signature", "request_id", reqID, "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
		from = firstNonEmpty(r.PostForm.Get("From"), r.PostForm.Get("phone"))
		body = firstNonEmpty(r.PostForm.Get("Body"), r.PostForm.Get("message"))
		messageID = r.PostForm.Get("MessageSid")
	} else {
		if s.validator != nil {
			slog.Warn("Server.smsHandler: unsigned JSON body rejected", "remote", r.RemoteAddr)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
			return
		}
		var in inboundJSON
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			slog.Warn("Server.smsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing phone or message"))
			return
		}
		from = firstNonEmpty(in.From, in.Phone)
		body = firstNonEmpty(in.Body, in.Message)
		messageID = in.MessageSid
	}

	if strings.TrimSpace(from) == "" || strings.TrimSpace(body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing phone or message"))
		return
	}

	reply, handled, err := s.handler.Handle(r.Context(), models.Response{
		From:      from,
		Body:      body,
		MessageID: messageID,
		Time:      s.now().Unix(),
	})
	if err != nil {
		slog.Warn("Server.smsHandler: inbound message rejected", "request_id", reqID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing phone or message"))
		return
	}
	if !handled {
		// Twilio retry of a message we already answered.
		writeTwiMLResponse(w, "")
		return
	}
	slog.Info("Server.smsHandler: inbound message handled", "request_id", reqID, "from", from, "message_id", messageID)
	writeTwiMLResponse(w, reply)
}

// validSignature checks the X-Twilio-Signature header against the URL Twilio
// posted to and the form parameters.
func (s *Server) validSignature(r *http.Request) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.requestURL(r), params, sig)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.publicURL != "" {
		return strings.TrimSuffix(s.publicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	} else if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
