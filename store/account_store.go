package store

import "context"

type AccountStore struct{ conn }

func (a *AccountStore) Create(ctx context.Context, account *Account) error {
	db, cancel := a.scope(ctx)
	defer cancel()
	return translate(db.Create(account).Error)
}

func (a *AccountStore) Save(ctx context.Context, account *Account) error {
	db, cancel := a.scope(ctx)
	defer cancel()
	return translate(db.Save(account).Error)
}

func (a *AccountStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	db, cancel := a.scope(ctx)
	defer cancel()

	var account Account
	if err := db.Where("email = ?", email).First(&account).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (a *AccountStore) FindByID(ctx context.Context, id uint) (*Account, error) {
	db, cancel := a.scope(ctx)
	defer cancel()

	var account Account
	if err := db.First(&account, id).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (a *AccountStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	db, cancel := a.scope(ctx)
	defer cancel()

	var count int64
	if err := db.Model(&Account{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, translate(err)
	}
	return count > 0, nil
}
