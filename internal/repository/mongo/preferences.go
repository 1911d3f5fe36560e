package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentcast/internal/domain"
)

const appSettingsID = "app"

type preferenceDoc struct {
	ID                 string `bson:"_id"`
	AudioTrackIndex    *int   `bson:"audioTrackIndex,omitempty"`
	SubtitleTrackIndex *int   `bson:"subtitleTrackIndex,omitempty"`
	SubtitleLanguage   string `bson:"subtitleLanguage,omitempty"`
	UpdatedAt          int64  `bson:"updatedAt"`
}

type settingsDoc struct {
	ID                   string `bson:"_id"`
	ExternalPlayer       string `bson:"externalPlayer"`
	RememberPreferences  bool   `bson:"rememberPreferences"`
	ShowSkipPrompts      bool   `bson:"showSkipPrompts"`
	HideRecommendations  bool   `bson:"hideRecommendations"`
	ClearCacheAfterWatch bool   `bson:"clearCacheAfterWatch"`
	CheckForUpdates      bool   `bson:"checkForUpdates"`
	UpdatedAt            int64  `bson:"updatedAt"`
}

func (s *Store) GetPreference(ctx context.Context, sourceURI string) (domain.TrackPreference, error) {
	var doc preferenceDoc
	err := s.preferences.FindOne(ctx, bson.M{"_id": sourceURI}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TrackPreference{}, nil
		}
		return domain.TrackPreference{}, err
	}
	return preferenceFromDoc(doc), nil
}

func (s *Store) SetPreference(ctx context.Context, sourceURI string, pref domain.TrackPreference) error {
	if strings.TrimSpace(sourceURI) == "" {
		return errors.New("source uri is required")
	}
	doc := preferenceToDoc(sourceURI, pref, time.Now())
	_, err := s.preferences.ReplaceOne(
		ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	var doc settingsDoc
	err := s.settings.FindOne(ctx, bson.M{"_id": appSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.DefaultSettings(), nil
		}
		return domain.DefaultSettings(), err
	}
	return settingsFromDoc(doc), nil
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.Settings) error {
	doc := settingsToDoc(settings, time.Now())
	_, err := s.settings.ReplaceOne(
		ctx,
		bson.M{"_id": appSettingsID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func preferenceToDoc(sourceURI string, pref domain.TrackPreference, now time.Time) preferenceDoc {
	return preferenceDoc{
		ID:                 sourceURI,
		AudioTrackIndex:    pref.AudioTrackIndex,
		SubtitleTrackIndex: pref.SubtitleTrackIndex,
		SubtitleLanguage:   pref.SubtitleLanguage,
		UpdatedAt:          now.Unix(),
	}
}

func preferenceFromDoc(doc preferenceDoc) domain.TrackPreference {
	return domain.TrackPreference{
		AudioTrackIndex:    doc.AudioTrackIndex,
		SubtitleTrackIndex: doc.SubtitleTrackIndex,
		SubtitleLanguage:   doc.SubtitleLanguage,
	}
}

func settingsToDoc(s domain.Settings, now time.Time) settingsDoc {
	return settingsDoc{
		ID:                   appSettingsID,
		ExternalPlayer:       s.ExternalPlayer,
		RememberPreferences:  s.RememberPreferences,
		ShowSkipPrompts:      s.ShowSkipPrompts,
		HideRecommendations:  s.HideRecommendations,
		ClearCacheAfterWatch: s.ClearCacheAfterWatch,
		CheckForUpdates:      s.CheckForUpdates,
		UpdatedAt:            now.Unix(),
	}
}

func settingsFromDoc(doc settingsDoc) domain.Settings {
	return domain.Settings{
		ExternalPlayer:       doc.ExternalPlayer,
		RememberPreferences:  doc.RememberPreferences,
		ShowSkipPrompts:      doc.ShowSkipPrompts,
		HideRecommendations:  doc.HideRecommendations,
		ClearCacheAfterWatch: doc.ClearCacheAfterWatch,
		CheckForUpdates:      doc.CheckForUpdates,
	}
}
