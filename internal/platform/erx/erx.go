// Package erx hands signed prescriptions to the electronic prescribing
// gateway. The gateway consumes an SQS queue and relays to pharmacies.
package erx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// Message is the payload the gateway expects for one prescription.
type Message struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	PharmacyID     uuid.UUID `json:"pharmacy_id"`
	PharmacyNCPDP  string    `json:"pharmacy_ncpdp,omitempty"`
	MedicationName string    `json:"medication_name"`
	NDCCode        string    `json:"ndc_code,omitempty"`
	Dosage         string    `json:"dosage"`
	Frequency      string    `json:"frequency"`
	Duration       string    `json:"duration,omitempty"`
	Quantity       int       `json:"quantity"`
	Refills        int       `json:"refills"`
	Instructions   string    `json:"instructions,omitempty"`
	Practice       string    `json:"practice,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

type Transmitter interface {
	// Transmit queues msg and returns the gateway reference.
	Transmit(ctx context.Context, msg Message) (string, error)
}

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSTransmitter struct {
	client   sqsAPI
	queueURL string
}

func NewSQSTransmitter(cfg aws.Config, queueURL string) *SQSTransmitter {
	return &SQSTransmitter{client: sqs.NewFromConfig(cfg), queueURL: queueURL}
}

func (t *SQSTransmitter) Transmit(ctx context.Context, msg Message) (string, error) {
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal erx message: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"pharmacy_id": {DataType: aws.String("String"), StringValue: aws.String(msg.PharmacyID.String())},
		},
	}
	// FIFO queues need a group and dedup id; one group per patient keeps
	// a patient's prescriptions in order.
	if strings.HasSuffix(t.queueURL, ".fifo") {
		in.MessageGroupId = aws.String(msg.PatientID.String())
		in.MessageDeduplicationId = aws.String(msg.PrescriptionID.String())
	}

	out, err := t.client.SendMessage(ctx, in)
	if err != nil {
		return "", apperr.Wrap(apperr.KindNetwork, "eRx gateway unavailable", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Disabled is used when no gateway queue is configured.
type Disabled struct{}

func (Disabled) Transmit(context.Context, Message) (string, error) {
	return "", apperr.NotImplemented("electronic prescribing is not configured for this practice")
}
