package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/models"
)

const textPayloadSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "mentions": {
      "type": "array",
      "maxItems": 50,
      "items": {"type": "string", "minLength": 1, "maxLength": 64}
    }
  }
}`

const mediaPayloadSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["attachments"],
  "properties": {
    "caption": {"type": "string", "maxLength": 4000},
    "attachments": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "mime_type", "size", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1, "maxLength": 255},
          "mime_type": {"type": "string", "minLength": 3, "maxLength": 255},
          "extension": {"type": "string", "maxLength": 16},
          "size": {"type": "integer", "minimum": 0},
          "url": {"type": "string", "pattern": "^https?://"},
          "width": {"type": "integer", "minimum": 0},
          "height": {"type": "integer", "minimum": 0},
          "duration_ms": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

// payloadValidator checks the per-type payload of a send request against a
// JSON schema and decodes it into the tagged payload variant.
type payloadValidator struct {
	text  *jsonschema.Schema
	media *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		"payload/text.json":  textPayloadSchema,
		"payload/media.json": mediaPayloadSchema,
	}
	for url, source := range resources {
		if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
			return nil, fmt.Errorf("add payload schema %s: %w", url, err)
		}
	}

	text, err := compiler.Compile("payload/text.json")
	if err != nil {
		return nil, fmt.Errorf("compile text payload schema: %w", err)
	}
	media, err := compiler.Compile("payload/media.json")
	if err != nil {
		return nil, fmt.Errorf("compile media payload schema: %w", err)
	}
	return &payloadValidator{text: text, media: media}, nil
}

func (v *payloadValidator) decode(messageType models.MessageType, raw json.RawMessage) (models.MessagePayload, error) {
	raw = bytes.TrimSpace(raw)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))

	switch {
	case messageType == models.MessageTypeText:
		if empty {
			return models.MessagePayload{}, nil
		}
		if err := validateAgainst(v.text, raw); err != nil {
			return models.MessagePayload{}, err
		}
		var text models.TextPayload
		if err := json.Unmarshal(raw, &text); err != nil {
			return models.MessagePayload{}, apperror.InvalidArgument("malformed text payload: %v", err)
		}
		return models.MessagePayload{Text: &text}, nil

	case messageType.IsMedia():
		if empty {
			return models.MessagePayload{}, apperror.InvalidArgument("%s messages require attachments", messageType)
		}
		if err := validateAgainst(v.media, raw); err != nil {
			return models.MessagePayload{}, err
		}
		var media models.MediaPayload
		if err := json.Unmarshal(raw, &media); err != nil {
			return models.MessagePayload{}, apperror.InvalidArgument("malformed media payload: %v", err)
		}
		for i := range media.Attachments {
			if err := normaliseAttachment(messageType, &media.Attachments[i]); err != nil {
				return models.MessagePayload{}, err
			}
		}
		return models.MessagePayload{Media: &media}, nil

	default:
		return models.MessagePayload{}, apperror.InvalidArgument("unsupported message type %q", messageType)
	}
}

func validateAgainst(schema *jsonschema.Schema, raw json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperror.InvalidArgument("payload is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return apperror.Validation("payload rejected: %v", err)
	}
	return nil
}

// normaliseAttachment canonicalises the declared MIME type, fills in the
// extension and checks the type family matches the message type.
func normaliseAttachment(messageType models.MessageType, attachment *models.Attachment) error {
	declared := strings.ToLower(strings.TrimSpace(attachment.MimeType))
	mime := mimetype.Lookup(declared)
	if mime == nil {
		if messageType != models.MessageTypeDocument {
			return apperror.Validation("unsupported mime type %q for %s message", attachment.MimeType, messageType)
		}
		mime = mimetype.Lookup("application/octet-stream")
	}

	canonical := mime.String()
	if base, _, found := strings.Cut(canonical, ";"); found {
		canonical = strings.TrimSpace(base)
	}

	family := map[models.MessageType]string{
		models.MessageTypeImage: "image/",
		models.MessageTypeVideo: "video/",
		models.MessageTypeAudio: "audio/",
	}[messageType]
	if family != "" && !strings.HasPrefix(canonical, family) {
		return apperror.Validation("attachment %q is %s, expected %s*", attachment.Name, canonical, family)
	}

	attachment.MimeType = canonical
	if attachment.Extension == "" {
		attachment.Extension = mime.Extension()
	}
	return nil
}
