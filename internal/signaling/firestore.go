package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ReiletaI/callguard/internal/callerr"
)

const roomsCollection = "rooms"

// FirestoreConfig selects the Firebase project backing the rooms collection.
type FirestoreConfig struct {
	ProjectID string

	// CredentialsFile is a service-account JSON. When empty, application
	// default credentials are used.
	CredentialsFile string
}

// Firestore is the production Channel, sharing the rooms collection with
// the web build of the call pages.
type Firestore struct {
	client *firestore.Client
	log    *zap.Logger
}

// roomDoc is the stored shape of a room document.
type roomDoc struct {
	Status             string              `firestore:"status"`
	Offer              *SessionDescription `firestore:"offer,omitempty"`
	Answer             *SessionDescription `firestore:"answer,omitempty"`
	AgentUsername      string              `firestore:"agentUsername"`
	CreatedAt          time.Time           `firestore:"createdAt"`
	EndedAt            time.Time           `firestore:"endedAt"`
	CallDuration       int                 `firestore:"callDuration"`
	ProperlyTerminated bool                `firestore:"properlyTerminated"`
}

// NewFirestore connects to Firestore through the Firebase Admin SDK.
func NewFirestore(ctx context.Context, cfg FirestoreConfig, log *zap.Logger) (*Firestore, error) {
	projectID := cfg.ProjectID

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		// Read credentials into memory rather than handing the SDK a path.
		credentials, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read firebase credentials: %w", err)
		}
		if projectID == "" {
			var creds struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(credentials, &creds); err != nil {
				return nil, fmt.Errorf("parse firebase credentials: %w", err)
			}
			projectID = creds.ProjectID
		}
		opts = append(opts, option.WithCredentialsJSON(credentials))
	}

	var fbConfig *firebase.Config
	if projectID != "" {
		fbConfig = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, fbConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firestore: %w", err)
	}

	log.Info("firestore signaling ready", zap.String("project_id", projectID))
	return &Firestore{client: client, log: log}, nil
}

func (f *Firestore) rooms() *firestore.CollectionRef {
	return f.client.Collection(roomsCollection)
}

func (f *Firestore) candidates(id string, side Side) *firestore.CollectionRef {
	return f.rooms().Doc(id).Collection(string(side))
}

func (f *Firestore) CreateRoom(ctx context.Context, id string, offer SessionDescription, agentUsername string) error {
	_, err := f.rooms().Doc(id).Create(ctx, map[string]interface{}{
		"offer":         map[string]interface{}{"type": offer.Type, "sdp": offer.SDP},
		"status":        string(StatusWaiting),
		"agentUsername": agentUsername,
		"createdAt":     firestore.ServerTimestamp,
	})
	if status.Code(err) == codes.AlreadyExists {
		err = ErrRoomExists
	}
	return writeError("create room", err)
}

func (f *Firestore) GetRoom(ctx context.Context, id string) (*Room, error) {
	snap, err := f.rooms().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, callerr.NewError("get room", callerr.KindSignaling, err)
	}
	return decodeRoom(snap)
}

func (f *Firestore) SubscribeRoom(ctx context.Context, id string, onChange RoomFunc, onError ErrorFunc) func() {
	ctx, cancel := context.WithCancel(ctx)
	it := f.rooms().Doc(id).Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				f.subscriptionFailed(ctx, "room", err, onError)
				return
			}
			if !snap.Exists() {
				onChange(nil)
				continue
			}
			room, err := decodeRoom(snap)
			if err != nil {
				f.log.Warn("skipping undecodable room snapshot", zap.String("room", id), zap.Error(err))
				continue
			}
			onChange(room)
		}
	}()

	return cancel
}

func (f *Firestore) PublishAnswer(ctx context.Context, id string, answer SessionDescription) error {
	ref := f.rooms().Doc(id)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		room, err := decodeRoom(snap)
		if err != nil {
			return err
		}
		if room.Status != StatusWaiting {
			return ErrRoomNotAvailable
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "answer", Value: map[string]interface{}{"type": answer.Type, "sdp": answer.SDP}},
			{Path: "status", Value: string(StatusConnected)},
		})
	})
	return writeError("publish answer", err)
}

func (f *Firestore) SetStatus(ctx context.Context, id string, change StatusChange) error {
	ref := f.rooms().Doc(id)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		room, err := decodeRoom(snap)
		if err != nil {
			return err
		}
		if room.Status.Terminal() {
			return ErrRoomTerminal
		}

		updates := []firestore.Update{{Path: "status", Value: string(change.Status)}}
		if change.Status.Terminal() {
			updates = append(updates, firestore.Update{Path: "endedAt", Value: firestore.ServerTimestamp})
		}
		if change.CallDuration != nil {
			updates = append(updates, firestore.Update{Path: "callDuration", Value: *change.CallDuration})
		}
		if change.ProperlyTerminated {
			updates = append(updates, firestore.Update{Path: "properlyTerminated", Value: true})
		}
		return tx.Update(ref, updates)
	})
	return writeError("set status", err)
}

func (f *Firestore) AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error {
	_, _, err := f.candidates(id, side).Add(ctx, encodeCandidate(c))
	return writeError("append candidate", err)
}

func (f *Firestore) SubscribeCandidates(ctx context.Context, id string, side Side, onAdded CandidateFunc, onError ErrorFunc) func() {
	ctx, cancel := context.WithCancel(ctx)
	it := f.candidates(id, side).Snapshots(ctx)

	go func() {
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				f.subscriptionFailed(ctx, "candidates", err, onError)
				return
			}
			for _, change := range qs.Changes {
				if change.Kind != firestore.DocumentAdded {
					continue
				}
				c, err := decodeCandidate(change.Doc.Data())
				if err != nil {
					f.log.Warn("skipping malformed candidate",
						zap.String("room", id), zap.String("side", string(side)), zap.Error(err))
					continue
				}
				onAdded(c)
			}
		}
	}()

	return cancel
}

func (f *Firestore) PurgeCandidates(ctx context.Context, id string, side Side) error {
	docs, err := f.candidates(id, side).Documents(ctx).GetAll()
	if err != nil {
		return callerr.NewError("list candidates", callerr.KindCleanup, err)
	}
	for _, doc := range docs {
		if _, err := doc.Ref.Delete(ctx); err != nil {
			f.log.Warn("failed to delete candidate",
				zap.String("room", id), zap.String("side", string(side)),
				zap.String("doc", doc.Ref.ID), zap.Error(err))
		}
	}
	return nil
}

func (f *Firestore) waitingQuery() firestore.Query {
	return f.rooms().
		Where("status", "==", string(StatusWaiting)).
		OrderBy("createdAt", firestore.Asc).
		Limit(1)
}

func (f *Firestore) FindWaitingRoom(ctx context.Context) (*Room, error) {
	docs, err := f.waitingQuery().Documents(ctx).GetAll()
	if err != nil {
		return nil, callerr.NewError("find waiting room", callerr.KindSignaling, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return decodeRoom(docs[0])
}

func (f *Firestore) SubscribeWaitingRooms(ctx context.Context, onFirst RoomFunc, onError ErrorFunc) func() {
	ctx, cancel := context.WithCancel(ctx)
	it := f.waitingQuery().Snapshots(ctx)

	var once sync.Once
	go func() {
		defer it.Stop()
		defer cancel()
		for {
			qs, err := it.Next()
			if err != nil {
				f.subscriptionFailed(ctx, "waiting rooms", err, onError)
				return
			}
			if qs.Size == 0 {
				continue
			}
			docs, err := qs.Documents.GetAll()
			if err != nil || len(docs) == 0 {
				continue
			}
			room, err := decodeRoom(docs[0])
			if err != nil {
				f.log.Warn("skipping undecodable waiting room", zap.Error(err))
				continue
			}
			once.Do(func() { onFirst(room) })
			return
		}
	}()

	return cancel
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

// subscriptionFailed reports a listener error unless the owner cancelled it.
func (f *Firestore) subscriptionFailed(ctx context.Context, what string, err error, onError ErrorFunc) {
	if ctx.Err() != nil || status.Code(err) == codes.Canceled {
		return
	}
	f.log.Warn("firestore listener stopped", zap.String("listener", what), zap.Error(err))
	if onError != nil {
		onError(callerr.NewError("subscribe "+what, callerr.KindSignaling, err))
	}
}

func decodeRoom(snap *firestore.DocumentSnapshot) (*Room, error) {
	var doc roomDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", snap.Ref.ID, err)
	}
	return &Room{
		ID:                 snap.Ref.ID,
		Status:             Status(doc.Status),
		Offer:              doc.Offer,
		Answer:             doc.Answer,
		AgentUsername:      doc.AgentUsername,
		CreatedAt:          doc.CreatedAt,
		EndedAt:            doc.EndedAt,
		CallDuration:       doc.CallDuration,
		ProperlyTerminated: doc.ProperlyTerminated,
	}, nil
}

func encodeCandidate(c Candidate) map[string]interface{} {
	m := map[string]interface{}{"candidate": c.Candidate}
	if c.SDPMid != nil {
		m["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		m["sdpMLineIndex"] = int64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		m["usernameFragment"] = *c.UsernameFragment
	}
	return m
}

// decodeCandidate accepts documents written by both this client and the web
// pages, which store RTCIceCandidate.toJSON() verbatim.
func decodeCandidate(m map[string]interface{}) (Candidate, error) {
	raw, ok := m["candidate"].(string)
	if !ok {
		return Candidate{}, errors.New("candidate field missing")
	}
	c := Candidate{Candidate: raw}
	if mid, ok := m["sdpMid"].(string); ok {
		c.SDPMid = &mid
	}
	switch idx := m["sdpMLineIndex"].(type) {
	case int64:
		v := uint16(idx)
		c.SDPMLineIndex = &v
	case float64:
		v := uint16(idx)
		c.SDPMLineIndex = &v
	}
	if ufrag, ok := m["usernameFragment"].(string); ok {
		c.UsernameFragment = &ufrag
	}
	return c, nil
}
