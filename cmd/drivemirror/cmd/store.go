package cmd

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/fruitsalade/drivemirror/internal/config"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/remote/drive"
	"github.com/fruitsalade/drivemirror/internal/remote/localfs"
	"github.com/fruitsalade/drivemirror/internal/remote/s3store"
)

// newStore creates the configured backend.
func newStore(ctx context.Context, c *config.Config) (remote.Store, error) {
	switch c.Backend {
	case config.BackendDrive:
		return drive.New(drive.Config{
			APIURL:      c.DriveAPIURL,
			UploadURL:   c.DriveUploadURL,
			TokenSource: tokenSource(ctx, c),
			ChunkSize:   c.UploadChunkSize,
			RootFolder:  c.RootFolder,
		}), nil
	case config.BackendS3:
		return s3store.New(ctx, s3store.Config{
			Endpoint:   c.S3Endpoint,
			Bucket:     c.S3Bucket,
			AccessKey:  c.S3AccessKey,
			SecretKey:  c.S3SecretKey,
			Region:     c.S3Region,
			UseSSL:     c.S3UseSSL,
			RootFolder: c.RootFolder,
		})
	case config.BackendLocal:
		return localfs.New(localfs.Config{
			RootPath:   c.LocalRoot,
			RootFolder: c.RootFolder,
			CreateDirs: true,
		})
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend)
}

// tokenSource prefers a refresh token, which keeps long sync sessions
// authorized, over a fixed access token.
func tokenSource(ctx context.Context, c *config.Config) oauth2.TokenSource {
	if c.DriveRefreshToken != "" {
		oc := &oauth2.Config{
			ClientID:     c.DriveClientID,
			ClientSecret: c.DriveClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.DriveTokenURL},
		}
		return oc.TokenSource(ctx, &oauth2.Token{RefreshToken: c.DriveRefreshToken})
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.DriveAccessToken, TokenType: "Bearer"})
}
