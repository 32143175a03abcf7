package repository

import (
	"net"
	"strings"

	"gowarp/models"
	"gowarp/storage"
)

func remoteFromRecord(record storage.RemoteRecord) models.Remote {
	remote := models.Remote{
		UUID:          record.UUID,
		Hostname:      record.Hostname,
		DisplayName:   record.DisplayName,
		UserName:      record.UserName,
		Port:          record.Port,
		AuthPort:      record.AuthPort,
		API:           record.APIVersion,
		Favorite:      record.Favorite,
		StaticService: record.StaticService,
		Status:        models.Disconnected,
	}
	if record.LastKnownIP != nil {
		remote.Address = net.ParseIP(*record.LastKnownIP)
	}
	return remote
}

func recordFromRemote(remote models.Remote) storage.RemoteRecord {
	record := storage.RemoteRecord{
		UUID:          remote.UUID,
		Hostname:      remote.Hostname,
		DisplayName:   remote.DisplayName,
		UserName:      remote.UserName,
		Port:          remote.Port,
		AuthPort:      remote.AuthPort,
		APIVersion:    remote.API,
		Favorite:      remote.Favorite,
		StaticService: remote.StaticService,
	}
	if remote.Address != nil {
		ip := remote.Address.String()
		record.LastKnownIP = &ip
	}
	return record
}

func recordFromTransfer(t models.Transfer) storage.TransferRecord {
	record := storage.TransferRecord{
		UID:              t.UID,
		RemoteUUID:       t.RemoteUUID,
		Direction:        storage.DirectionSend,
		StartTime:        t.StartTime,
		Status:           t.Status.State.String(),
		TotalSize:        t.TotalSize,
		BytesTransferred: t.BytesTransferred,
		FileCount:        t.FileCount,
		SingleFileName:   t.SingleFileName,
		SingleMimeType:   t.SingleMimeType,
		TopDirBaseNames:  t.TopDirBaseNames,
		Sources:          t.Sources,
		UseCompression:   t.UseCompression,
	}
	if t.Direction == models.DirectionReceive {
		record.Direction = storage.DirectionReceive
	}

	switch {
	case t.Status.Err != nil:
		record.ErrorKind = t.Status.Err.Kind.String()
		record.ErrorDetail = t.Status.Err.Detail
	case len(t.Status.Errors) > 0:
		record.ErrorKind = t.Status.Errors[0].Kind.String()
		details := make([]string, 0, len(t.Status.Errors))
		for _, e := range t.Status.Errors {
			details = append(details, e.Error())
		}
		record.ErrorDetail = strings.Join(details, "; ")
	}
	return record
}
