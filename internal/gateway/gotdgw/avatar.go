package gotdgw

import (
	"context"
	"os"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"spectra/internal/gateway"
)

// DownloadAvatar fetches userID's current profile photo via
// users.getFullUser, then streams the photo bytes to destPath, mirroring
// sync.py's _download_avatar. A user with no profile photo set yields an
// empty path and a nil error.
func (g *Gateway) DownloadAvatar(ctx context.Context, userID, accessHash int64, destPath string) (string, error) {
	full, err := g.api.UsersGetFullUser(ctx, &tg.InputUser{UserID: userID, AccessHash: accessHash})
	if err != nil {
		return "", classify(err)
	}

	photo, ok := full.FullUser.GetProfilePhoto()
	if !ok {
		return "", nil
	}
	if _, ok := photo.(*tg.Photo); !ok {
		return "", nil
	}

	loc := &tg.InputPeerPhotoFileLocation{
		Big:  true,
		Peer: &tg.InputPeerUser{UserID: userID, AccessHash: accessHash},
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", &gateway.IOError{Cause: err}
	}
	defer out.Close()

	d := downloader.NewDownloader()
	if _, err := d.Download(g.api, loc).Stream(ctx, out); err != nil {
		return "", classify(err)
	}
	return destPath, nil
}
